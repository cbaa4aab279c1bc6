// Package narrative turns detection findings into a description and a root cause,
// asking a generative-text model first and falling back to fixed templates.
package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mmdatafocus/gstrecon_backend/config"
	"github.com/mmdatafocus/gstrecon_backend/models"
	"github.com/mmdatafocus/gstrecon_backend/reconcile"
	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 20 * time.Second

// Narrative is the human-readable explanation attached to an audit entry.
type Narrative struct {
	Description string `json:"description"`
	RootCause   string `json:"root_cause"`
}

// TextGenerator sends one prompt to a generative-text service and returns its raw text.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

var errNoJSONObject = errors.New("no JSON object in response")

// Generator explains findings. A nil TextGenerator means no credential is configured;
// every finding then gets the template narrative without any network call.
type Generator struct {
	gen     TextGenerator
	timeout time.Duration
	logger  *logrus.Logger
}

func NewGenerator(gen TextGenerator, timeout time.Duration, logger *logrus.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &Generator{gen: gen, timeout: timeout, logger: logger}
}

// Explain never fails: any service error, timeout or unusable reply yields Fallback(f).
// The call is made once; there are no retries.
func (g *Generator) Explain(ctx context.Context, f reconcile.Finding) Narrative {
	if g == nil || g.gen == nil {
		return Fallback(f)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.gen.Generate(callCtx, BuildPrompt(f))
	if err == nil {
		var n Narrative
		n, err = parseResponse(text)
		if err == nil {
			return n
		}
	}
	g.logger.WithFields(logrus.Fields{
		"field":         "narrative fallback",
		"inv_no":        f.InvNo,
		"mismatch_type": f.Type,
	}).Warnf("text generation failed (%v), using rule-based fallback", err)
	return Fallback(f)
}

// BuildPrompt renders every finding field into the auditor prompt.
func BuildPrompt(f reconcile.Finding) string {
	var b strings.Builder
	b.WriteString("You are a senior GST compliance auditor for India.\n")
	b.WriteString("A graph traversal engine detected the following mismatch:\n\n")
	fmt.Fprintf(&b, "Invoice     : %s\n", f.InvNo)
	fmt.Fprintf(&b, "Supplier    : %s\n", f.SupplierGstin)
	fmt.Fprintf(&b, "Buyer       : %s\n", f.BuyerGstin)
	fmt.Fprintf(&b, "Type        : %s\n", f.Type)
	fmt.Fprintf(&b, "Severity    : %s\n", f.Severity)
	fmt.Fprintf(&b, "Amount      : %s\n", FormatRupees(f.Amount))
	fmt.Fprintf(&b, "Period      : %s\n", f.Period)
	fmt.Fprintf(&b, "Graph path  : %s\n", models.JoinTraversalPath(f.TraversalPath))
	fmt.Fprintf(&b, "Raw data    : %s\n\n", f.Raw)
	b.WriteString("Return ONLY a JSON object with exactly two keys:\n")
	b.WriteString("  \"description\" – one sentence describing what the mismatch is\n")
	b.WriteString("  \"root_cause\"  – one sentence explaining the most likely reason\n\n")
	b.WriteString(`Example: {"description": "...", "root_cause": "..."}`)
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseResponse takes the outermost brace-delimited substring and requires both keys.
func parseResponse(text string) (Narrative, error) {
	raw := jsonObject.FindString(strings.TrimSpace(text))
	if raw == "" {
		return Narrative{}, errNoJSONObject
	}
	var n Narrative
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Narrative{}, fmt.Errorf("decode narrative: %w", err)
	}
	n.Description = strings.TrimSpace(n.Description)
	n.RootCause = strings.TrimSpace(n.RootCause)
	if n.Description == "" || n.RootCause == "" {
		return Narrative{}, errors.New("narrative missing description or root_cause")
	}
	return n, nil
}
