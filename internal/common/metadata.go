package common

import "strings"

// Request is what the passive observer API reports for one outbound
// request. Initiator is empty when the browser did not provide one.
type Request struct {
	URL       string `json:"url" validate:"required"`
	Initiator string `json:"initiator,omitempty"`
}

func (r *Request) FromOrigin(prefix string) bool {
	return prefix != "" && r.Initiator != "" && strings.HasPrefix(r.Initiator, prefix)
}
