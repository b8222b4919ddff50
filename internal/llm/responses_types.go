package llm

import (
	"strings"

	"neko/internal/jsonx"
)

// Request is the body of POST {endpoint}/responses.
type Request struct {
	Model              string           `json:"model"`
	Input              []Item           `json:"input"`
	Instructions       string           `json:"instructions,omitempty"`
	Tools              []ToolDefinition `json:"tools,omitempty"`
	ToolChoice         string           `json:"tool_choice,omitempty"`
	MaxOutputTokens    int              `json:"max_output_tokens,omitempty"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Stream             bool             `json:"stream"`
}

// ToolDefinition advertises one function tool.
type ToolDefinition struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// Item is one input item. Items copied from a previous response's output
// (reasoning and unknown types) are passed back verbatim.
type Item struct {
	Type      string
	Role      string
	Content   string
	ID        string
	CallID    string
	Name      string
	Arguments string
	Output    string

	raw jsonx.RawMessage
}

// UserMessage builds a user input item.
func UserMessage(text string) Item {
	return Item{Type: "message", Role: "user", Content: text}
}

// AssistantMessage builds an assistant input item.
func AssistantMessage(text string) Item {
	return Item{Type: "message", Role: "assistant", Content: text}
}

// FunctionCallOutput answers the function call identified by callID.
func FunctionCallOutput(callID, output string) Item {
	return Item{Type: "function_call_output", CallID: callID, Output: output}
}

func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.raw) > 0 {
		return i.raw, nil
	}
	switch i.Type {
	case "function_call":
		return jsonx.Marshal(map[string]any{
			"type":      i.Type,
			"id":        i.ID,
			"call_id":   i.CallID,
			"name":      i.Name,
			"arguments": i.Arguments,
		})
	case "function_call_output":
		return jsonx.Marshal(map[string]any{
			"type":    i.Type,
			"call_id": i.CallID,
			"output":  i.Output,
		})
	default:
		return jsonx.Marshal(map[string]any{
			"type":    "message",
			"role":    i.Role,
			"content": i.Content,
		})
	}
}

// Response is the non-streaming reply.
type Response struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
	Usage  Usage        `json:"usage"`
	Error  *APIError    `json:"error"`
}

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// APIError is the error object of a failed response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutputItem is one element of Response.Output.
type OutputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Content   []ContentPart `json:"content"`

	Raw jsonx.RawMessage `json:"-"`
}

// ContentPart is one part of a message output item.
type ContentPart struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Refusal string `json:"refusal"`
}

func (o *OutputItem) UnmarshalJSON(data []byte) error {
	type plain OutputItem
	var p plain
	if err := jsonx.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = OutputItem(p)
	o.Raw = append(jsonx.RawMessage(nil), data...)
	return nil
}

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Text joins the output_text parts of every message item.
func (r *Response) Text() string {
	var parts []string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" && part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// FunctionCalls lists the function_call items in output order.
func (r *Response) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, item := range r.Output {
		if item.Type == "function_call" {
			calls = append(calls, FunctionCall{CallID: item.CallID, Name: item.Name, Arguments: item.Arguments})
		}
	}
	return calls
}

// AsInput converts an output item into the input item that replays it on
// the next request.
func (o OutputItem) AsInput() (Item, bool) {
	switch o.Type {
	case "function_call":
		return Item{Type: "function_call", ID: o.ID, CallID: o.CallID, Name: o.Name, Arguments: o.Arguments}, true
	case "message":
		var b strings.Builder
		for _, part := range o.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
		if b.Len() == 0 {
			return Item{}, false
		}
		role := o.Role
		if role == "" {
			role = "assistant"
		}
		return Item{Type: "message", Role: role, Content: b.String()}, true
	default:
		if len(o.Raw) == 0 {
			return Item{}, false
		}
		return Item{Type: o.Type, raw: o.Raw}, true
	}
}
