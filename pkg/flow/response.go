package flow

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedShape is wrapped by every envelope decoding failure.
	ErrUnexpectedShape = errors.New("unexpected response shape")

	// ErrInvalidJSON is wrapped when the body is not JSON at all.
	ErrInvalidJSON = errors.New("response body is not valid JSON")
)

// RunResponse is the envelope returned by the run endpoint:
//
//	{"outputs": [{"outputs": [{"results": {"message": {"text": "..."}}}]}]}
//
// Arrays are kept raw so that only their first element is ever decoded.
type RunResponse struct {
	Outputs []json.RawMessage `json:"outputs"`
}

// RunOutput is one element of RunResponse.Outputs.
type RunOutput struct {
	Outputs []json.RawMessage `json:"outputs"`
}

// ResultData is one element of RunOutput.Outputs.
type ResultData struct {
	Results *Results `json:"results"`
}

// Results holds the chat message produced by the flow.
type Results struct {
	Message *ResultMessage `json:"message"`
}

// ResultMessage carries the reply text. Text is a pointer so a null or
// missing value can be told apart from an empty reply.
type ResultMessage struct {
	Text *string `json:"text"`
}

// ExtractText walks outputs[0].outputs[0].results.message.text in body and
// returns the reply verbatim. A body that is not JSON yields an error
// wrapping ErrInvalidJSON; any deviation from the path in valid JSON yields
// one wrapping ErrUnexpectedShape.
func ExtractText(body []byte) (string, error) {
	if !json.Valid(body) {
		var v any
		return "", fmt.Errorf("%w: %w", ErrInvalidJSON, json.Unmarshal(body, &v))
	}

	var envelope RunResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", shapeError("envelope", err)
	}
	if len(envelope.Outputs) == 0 {
		return "", shapeError("outputs", errors.New("empty or missing"))
	}

	var run RunOutput
	if err := json.Unmarshal(envelope.Outputs[0], &run); err != nil {
		return "", shapeError("outputs[0]", err)
	}
	if len(run.Outputs) == 0 {
		return "", shapeError("outputs[0].outputs", errors.New("empty or missing"))
	}

	var data ResultData
	if err := json.Unmarshal(run.Outputs[0], &data); err != nil {
		return "", shapeError("outputs[0].outputs[0]", err)
	}
	if data.Results == nil {
		return "", shapeError("outputs[0].outputs[0].results", errors.New("missing"))
	}
	if data.Results.Message == nil {
		return "", shapeError("outputs[0].outputs[0].results.message", errors.New("missing"))
	}
	if data.Results.Message.Text == nil {
		return "", shapeError("outputs[0].outputs[0].results.message.text", errors.New("missing"))
	}

	return *data.Results.Message.Text, nil
}

func shapeError(path string, cause error) error {
	return fmt.Errorf("%w at %s: %v", ErrUnexpectedShape, path, cause)
}
