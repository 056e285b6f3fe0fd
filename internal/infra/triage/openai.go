package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	domain "github.com/nweb-io/indexer/internal/domain/submissions"
)

const maxTokens = 512

const systemPrompt = `You are an operator assistant for a scan-attestation
ingestion pipeline. Given a failed submission and its error message, classify
the likely root cause as one of: transport, bad-bundle, integrity, schema,
operator-action-needed. Answer with a single short paragraph.`

// Triager asks a chat model to classify failed submissions so operators
// can tell transient infrastructure trouble from poisoned bundles. It
// implements submissions.Observer and is wired only when an API key is set.
type Triager struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

func New(apiKey, model string, log *zap.Logger) *Triager {
	return &Triager{client: openai.NewClient(apiKey), model: model, log: log}
}

func (t *Triager) Name() string { return "triage" }

func (t *Triager) Notify(ctx context.Context, sub *domain.Submission, _ map[string][]byte) error {
	if sub.Status != domain.StatusFailed {
		return nil
	}

	model := t.model
	if model == "" {
		model = openai.GPT4oMini
	}
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: t.describe(sub)},
		},
	}
	// Reasoning models reject MaxTokens.
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
	}

	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return fmt.Errorf("triage %s: %w", sub.UID, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("triage %s: empty completion", sub.UID)
	}

	t.log.Info("failure triaged",
		zap.String("uid", string(sub.UID)),
		zap.String("verdict", strings.TrimSpace(resp.Choices[0].Message.Content)))
	return nil
}

func (t *Triager) describe(sub *domain.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "submission uid: %s\n", sub.UID)
	fmt.Fprintf(&b, "submitter: %s\n", sub.Submitter)
	fmt.Fprintf(&b, "namespace: %s\n", sub.Namespace)
	fmt.Fprintf(&b, "cid: %s\n", sub.CID)
	fmt.Fprintf(&b, "block: %d\n", sub.Block)
	fmt.Fprintf(&b, "error: %s\n", sub.ErrorMessage)
	return b.String()
}
