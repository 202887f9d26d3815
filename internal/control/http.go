package control

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	if errors.Is(err, ErrNotLoggedIn) || errors.Is(err, ErrInvalidTarget) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Handler builds the localhost-only control-plane mux: a flat mux wrapped
// in a loopback-only guard that logs every request it lets through.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "use POST", http.StatusMethodNotAllowed)
			return
		}
		var req struct{ Username, Password string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		userID, err := a.Login(req.Username, req.Password)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, err)
			return
		}
		writeJSON(w, map[string]string{"user_id": userID})
	})

	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		a.Logout()
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Address string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, map[string]bool{"connected": a.Connect(req.Address)})
	})

	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ TargetID, Text string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		res, err := a.Send(req.TargetID, req.Text)
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		peers, err := a.Peers()
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, peers)
	})

	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		chatID := r.URL.Query().Get("chat_id")
		msgs, err := a.Messages(chatID)
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, msgs)
	})

	mux.HandleFunc("/rename", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ TargetID, Nickname string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := a.Rename(req.TargetID, req.Nickname); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/read_chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ ChatID string }
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		if err := a.ReadChat(req.ChatID); err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, a.State())
	})

	mux.HandleFunc("/debug/packet", func(w http.ResponseWriter, r *http.Request) {
		seen, inOutbox, err := a.DebugPacketStatus(r.URL.Query().Get("id"))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, map[string]any{"seen": seen, "in_outbox": inOutbox})
	})

	mux.HandleFunc("/debug/outbox", func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.DebugOutbox()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, rows)
	})

	mux.HandleFunc("/debug/routes", func(w http.ResponseWriter, r *http.Request) {
		rows, err := a.DebugRoutes()
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, rows)
	})

	mux.HandleFunc("/debug/route_id", func(w http.ResponseWriter, r *http.Request) {
		fwd, rev := a.DebugRouteIDs(r.URL.Query().Get("a"), r.URL.Query().Get("b"))
		writeJSON(w, map[string]string{"forward": fwd, "reverse": rev})
	})

	// Local-only guard (defense in depth).
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "local-only", http.StatusForbidden)
			return
		}
		log.Printf("[control] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}
