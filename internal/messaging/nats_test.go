package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	assert.Equal(t, "alice", Token("alice"))
	assert.Equal(t, "user_42-b", Token("user_42-b"))

	for _, unsafe := range []string{"a.b", "*", ">", "bob smith", "zoë", "", "h_alice"} {
		tok := Token(unsafe)
		assert.Regexp(t, `^h_[0-9a-f]{32}$`, tok, "id %q", unsafe)
	}

	assert.NotEqual(t, Token("a.b"), Token("a_b"))
	assert.NotEqual(t, Token("h_alice"), Token("alice"))
	assert.Equal(t, Token("a.b"), Token("a.b"))
}

func TestDeliverSubject(t *testing.T) {
	assert.Equal(t, "relay.deliver.relay-1", DeliverSubject("relay-1"))
}
