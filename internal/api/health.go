package api

import "net/http"

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Broker      string `json:"broker"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
}

// Health always answers 200 while the process serves HTTP; broker and
// database reachability are reported, not enforced.
func Health(b BrokerStatus, db DatabaseStatus, conns ConnectionCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Version: version, Broker: "down", Database: "down"}
		if b != nil && b.Available() {
			resp.Broker = "up"
		}
		if db != nil && db.Ping() == nil {
			resp.Database = "up"
		}
		if conns != nil {
			resp.Connections = conns.Len()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
