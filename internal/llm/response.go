package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Response is the decoded body of a Responses API call. It is one of
// ConvenienceText or SegmentList.
type Response interface {
	isResponse()
}

// ConvenienceText is a response that carries the flattened output_text field.
type ConvenienceText struct {
	Text string
}

// SegmentList is a response that only carries structured output items.
type SegmentList struct {
	Items []OutputItem
}

func (ConvenienceText) isResponse() {}
func (SegmentList) isResponse()     {}

// OutputItem is one entry of the response "output" array.
type OutputItem struct {
	Type    string    `json:"type"`
	Role    string    `json:"role,omitempty"`
	Content []Segment `json:"content,omitempty"`
}

// Segment is a typed content part of an output item.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// textual segment types
var textSegmentTypes = map[string]bool{
	"output_text": true,
	"text":        true,
}

type rawResponse struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	OutputText *string      `json:"output_text"`
	Output     []OutputItem `json:"output"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeResponse parses a Responses API body into its tagged variant. A
// non-empty output_text wins over the structured output.
func DecodeResponse(data []byte) (Response, error) {
	var raw rawResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if raw.Error != nil && raw.Error.Message != "" {
		return nil, fmt.Errorf("response error %s: %s", raw.Error.Code, raw.Error.Message)
	}
	if raw.Status == "failed" {
		return nil, fmt.Errorf("response %s failed", raw.ID)
	}
	if raw.OutputText != nil && *raw.OutputText != "" {
		return ConvenienceText{Text: *raw.OutputText}, nil
	}
	return SegmentList{Items: raw.Output}, nil
}

// ExtractText returns the text of resp. The convenience field is returned
// as is; otherwise textual segments are joined in order and trimmed.
func ExtractText(resp Response) string {
	switch r := resp.(type) {
	case ConvenienceText:
		return r.Text
	case SegmentList:
		var b strings.Builder
		for _, item := range r.Items {
			for _, seg := range item.Content {
				if textSegmentTypes[seg.Type] {
					b.WriteString(seg.Text)
				}
			}
		}
		return strings.TrimSpace(b.String())
	default:
		return ""
	}
}
