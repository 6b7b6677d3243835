package directory

import (
	"encoding/json"
	"net/http"
)

// apiResponse is the body of every directory HTTP response.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type publishRequest struct {
	PublicKey []byte `json:"public_key" validate:"required,len=32"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	body := apiResponse{Success: statusCode < 400}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode response")
			return
		}
		body.Data = raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(apiResponse{Success: false, Error: msg})
}
