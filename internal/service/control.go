package service

import "encoding/json"

// writeErrorControl best-effort sends a JSON error control packet over ch,
// matching the shape the agent's services use to report a launch or
// mid-stream failure to whatever is watching the other end of the channel.
func writeErrorControl(ch interface{ WriteControl([]byte) error }, service string, status int, msg string) {
	payload, err := json.Marshal(map[string]any{
		"service": service,
		"type":    "error",
		"status":  status,
		"msg":     msg,
	})
	if err != nil {
		return
	}
	_ = ch.WriteControl(payload)
}
