// Package flow provides a client for the run endpoint of a remote
// conversational flow engine, along with the wire types it exchanges.
package flow

const (
	// IOTypeChat is the input and output type used for every run request.
	IOTypeChat = "chat"

	runPath = "/api/v1/run/"
)

// RunRequest is the body POSTed to the run endpoint. It is built fresh for
// every call and never stored.
type RunRequest struct {
	InputValue string `json:"input_value"`
	OutputType string `json:"output_type"`
	InputType  string `json:"input_type"`
}

// NewRunRequest returns a chat-in, chat-out run request for message.
func NewRunRequest(message string) RunRequest {
	return RunRequest{
		InputValue: message,
		OutputType: IOTypeChat,
		InputType:  IOTypeChat,
	}
}
