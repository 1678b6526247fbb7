// Package agenthttp exposes a read-only HTTP view of a server role
// agent's accounts for debugging and monitoring.
package agenthttp

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
	"github.com/stellar/paylink/agent"
)

func New(s *agent.Server) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", handleSnapshot(s))
	return cors.Default().Handler(m)
}

func handleSnapshot(s *agent.Server) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		type account struct {
			Balance  string
			Settling bool
		}
		accounts := map[string]account{}
		for id, a := range s.Snapshot() {
			accounts[id] = account{
				Balance:  a.Balance.String(),
				Settling: a.Settling,
			}
		}
		v := struct {
			Accounts map[string]account
		}{
			Accounts: accounts,
		}
		err := enc.Encode(v)
		if err != nil {
			panic(err)
		}
	}
}
