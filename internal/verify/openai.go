package verify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultModel         = "gpt-4o"
	modelRequestTimeout  = 60 * time.Second
)

// ModelVerdict is the structured judgment returned by the vision model.
type ModelVerdict struct {
	IsVerified       bool    `json:"isVerified"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	AmountMatch      bool    `json:"amountMatch"`
	BankDetailsMatch bool    `json:"bankDetailsMatch"`
	DateRecent       bool    `json:"dateRecent"`
	Authentic        bool    `json:"authentic"`
}

// ReceiptContext carries the escrow terms the model judges the receipt against.
type ReceiptContext struct {
	FiatAmountCents int64
	FiatCurrency    string
	BankDetails     string
	Requirements    string
}

// Model judges a receipt image against the escrow terms.
type Model interface {
	JudgeReceipt(ctx context.Context, image []byte, mimeType string, rc ReceiptContext) (*ModelVerdict, error)
}

// OpenAIModel calls the OpenAI chat completions API with a vision payload
// and JSON response formatting.
type OpenAIModel struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// OpenAIOption configures an OpenAIModel.
type OpenAIOption func(*OpenAIModel)

// WithBaseURL overrides the API endpoint (used for testing).
func WithBaseURL(url string) OpenAIOption {
	return func(m *OpenAIModel) { m.baseURL = url }
}

// WithModel overrides the model name.
func WithModel(name string) OpenAIOption {
	return func(m *OpenAIModel) {
		if name != "" {
			m.model = name
		}
	}
}

// NewOpenAIModel creates a vision model client.
func NewOpenAIModel(apiKey string, opts ...OpenAIOption) *OpenAIModel {
	m := &OpenAIModel{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultOpenAIBaseURL,
		client: &http.Client{
			Timeout: modelRequestTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// JudgeReceipt sends the receipt image and escrow terms to the model and
// parses its strict-JSON verdict.
func (m *OpenAIModel) JudgeReceipt(ctx context.Context, image []byte, mimeType string, rc ReceiptContext) (*ModelVerdict, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	body := chatRequest{
		Model:       m.model,
		MaxTokens:   500,
		Temperature: 0,
		ResponseFormat: responseFormat{
			Type: "json_object",
		},
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: buildPrompt(rc)},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("model API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
		}
		return nil, fmt.Errorf("model API returned status %d", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	var verdict ModelVerdict
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &verdict); err != nil {
		return nil, fmt.Errorf("model returned malformed verdict: %w", err)
	}

	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("model returned confidence %.3f outside [0,1]", verdict.Confidence)
	}

	return &verdict, nil
}

func buildPrompt(rc ReceiptContext) string {
	return fmt.Sprintf(`You are verifying a bank transfer receipt for a peer-to-peer escrow.

Expected transfer:
- Amount: %.2f %s
- Recipient bank details: %s

Additional requirements stated by the requester:
%s

Examine the attached receipt image and respond with ONLY a JSON object:
{
  "isVerified": boolean,      // true only if the receipt convincingly shows the expected transfer
  "confidence": number,       // 0.0 to 1.0
  "reason": string,           // one-sentence explanation
  "amountMatch": boolean,     // amount and currency match the expected transfer
  "bankDetailsMatch": boolean,// recipient details match
  "dateRecent": boolean,      // transfer dated within the last 7 days
  "authentic": boolean        // no signs of tampering or synthetic generation
}

Be conservative: if anything is unreadable, cropped, or inconsistent, lower the confidence.`,
		float64(rc.FiatAmountCents)/100, rc.FiatCurrency, rc.BankDetails, rc.Requirements)
}
