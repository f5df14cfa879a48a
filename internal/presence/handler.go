package presence

import (
	"encoding/json"
	"net/http"
)

type onlineResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// OnlineHandler serves the users with a live presence record as
// {"count": n, "users": [...]}.
func OnlineHandler(r *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		users, err := r.OnlineUsers(req.Context())
		if err != nil {
			http.Error(w, `{"error":"presence store unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if users == nil {
			users = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(onlineResponse{Count: len(users), Users: users})
	})
}
