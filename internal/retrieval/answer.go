package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const answerPrompt = `Answer the question using only the context below. If the context does not
contain the answer, say so briefly.

Context:
%s

Question: %s`

// snippetChars bounds document excerpts in template answers.
const snippetChars = 160

type assembled struct {
	text      string
	truncated bool
}

// assembleContext concatenates document content in rank order until the
// character budget is reached. A first document larger than the budget is
// cut to fit.
func assembleContext(docs []Document, budget int) assembled {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	var b strings.Builder
	for i, d := range docs {
		block := fmt.Sprintf("[%s/%s] %s\n", d.EntityType, d.EntityID, strings.TrimSpace(d.Content))
		if rs := d.Metadata.GetString("relationshipSummary"); rs != "" {
			block += "  related: " + rs + "\n"
		}
		if b.Len()+len(block) > budget {
			if i == 0 {
				b.WriteString(truncateUTF8(block, budget))
			}
			return assembled{text: b.String(), truncated: true}
		}
		b.WriteString(block)
	}
	return assembled{text: b.String()}
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// answer produces the natural-language response: an LLM answer grounded in
// ctxText when answer generation is enabled, otherwise a summary of the
// ranked documents. LLM failures fall back to the summary.
func (e *Engine) answer(ctx context.Context, query string, docs []Document, ctxText assembled) (string, bool) {
	if len(docs) > 0 && e.config.GenerateAnswers && e.llm != nil {
		text, err := e.llm.Complete(ctx, fmt.Sprintf(answerPrompt, ctxText.text, query))
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), true
		}
		e.logger.Warn("answer generation failed, using summary", zap.Error(err))
	}
	return summarize(docs), false
}

func summarize(docs []Document) string {
	if len(docs) == 0 {
		return "No relevant information was found for this query."
	}

	counts := map[string]int{}
	for _, d := range docs {
		counts[d.EntityType]++
	}
	cats := categories(docs)
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = fmt.Sprintf("%s (%d)", c, counts[c])
	}

	var b strings.Builder
	noun := "results"
	if len(docs) == 1 {
		noun = "result"
	}
	fmt.Fprintf(&b, "Found %d relevant %s across %s.", len(docs), noun, strings.Join(parts, ", "))
	for i, d := range docs {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, d.EntityType, clip(d.Content, snippetChars))
	}
	return b.String()
}
