package meeting

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/earshot/internal/transcript"
	"github.com/MrWong99/earshot/pkg/provider/llm"
)

// summaryPrompt is the system prompt sent to the LLM when summarizing a
// meeting transcript.
const summaryPrompt = `You summarize meeting transcripts. Reply with 5 to 7 concise bullet points,
each starting with "- ". Cover decisions, action items with their owners, and open questions.
Do not invent facts that are not in the transcript.`

// defaultSummaryTokens bounds the transcript sent to the model.
const defaultSummaryTokens = 12000

// Summarizer turns a meeting transcript into bullet points.
type Summarizer struct {
	llm       llm.Provider
	maxTokens int
}

// SummarizerOption is a functional option for configuring a Summarizer.
type SummarizerOption func(*Summarizer)

// WithMaxTranscriptTokens caps the transcript size. The oldest lines are
// dropped first.
func WithMaxTranscriptTokens(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// NewSummarizer creates a [Summarizer] backed by provider.
func NewSummarizer(provider llm.Provider, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{llm: provider, maxTokens: defaultSummaryTokens}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarize returns the bullet point summary of entries recorded for m. It
// returns an empty string without calling the model when there is nothing
// to summarize.
func (s *Summarizer) Summarize(ctx context.Context, m Meeting, entries []transcript.Entry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	lines := strings.Split(transcript.Format(entries), "\n")
	body, err := s.fit(m, lines)
	if err != nil {
		return "", err
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: body},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("meeting: summarize: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("meeting: summarize: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// fit drops the oldest transcript lines until the prompt fits the budget.
func (s *Summarizer) fit(m Meeting, lines []string) (string, error) {
	for {
		body := render(m, lines)
		n, err := s.llm.CountTokens([]llm.Message{{Role: "user", Content: body}})
		if err != nil {
			return "", fmt.Errorf("meeting: count tokens: %w", err)
		}
		if n <= s.maxTokens || len(lines) <= 1 {
			return body, nil
		}
		drop := max(1, len(lines)/10)
		lines = lines[drop:]
	}
}

func render(m Meeting, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Meeting: %s\n", m.Name)
	if m.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", m.Description)
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
