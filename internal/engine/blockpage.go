package engine

import (
	"html"
	"net/http"
	"os"
	"strings"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/models"
)

// DomainPlaceholder is replaced by the blocked host in block page templates.
const DomainPlaceholder = "{{DOMAIN}}"

// DefaultBlockTemplate is served when no blocked.html template is installed.
const DefaultBlockTemplate = `<html>
<body style="background:#2c3e50;color:white;display:flex;justify-content:center;align-items:center;height:100vh;margin:0;font-family:system-ui;">
    <div style="text-align:center;padding:60px;background:linear-gradient(135deg,#e74c3c,#c0392b);border-radius:20px;">
        <h1 style="font-size:80px;margin:0;">🛑 BLOCKED</h1>
        <h2>{{DOMAIN}}</h2>
        <p>This site is not allowed</p>
    </div>
</body>
</html>
`

const notePrefixStandard = "Reason: "
const notePrefixHighRisk = "⚠️ "

// Response is a synthesized reply for a blocked request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Render fills tmpl for domain. A non-empty note is added as its own
// paragraph directly after the first closing paragraph tag only, or at the
// end of the document when the template has none. Both values are
// HTML-escaped, so {{DOMAIN}} receives the escaped host rather than the
// literal one.
func Render(tmpl, domain, note string) []byte {
	out := strings.ReplaceAll(tmpl, DomainPlaceholder, html.EscapeString(domain))
	if note == "" {
		return []byte(out)
	}
	para := "<p style='font-size:14px;opacity:0.8;margin-top:20px;'>" + html.EscapeString(note) + "</p>"
	if i := strings.Index(out, "</p>"); i >= 0 {
		i += len("</p>")
		out = out[:i] + para + out[i:]
	} else {
		out += para
	}
	return []byte(out)
}

// BlockPages holds the templates used for block responses.
type BlockPages struct {
	standard     string
	riskAnalysis string
}

// NewBlockPages creates BlockPages from template strings. An empty standard
// template selects DefaultBlockTemplate; an empty risk analysis template
// makes high-risk blocks use the standard template with the rule message.
func NewBlockPages(standard, riskAnalysis string) *BlockPages {
	if standard == "" {
		standard = DefaultBlockTemplate
	}
	return &BlockPages{standard: standard, riskAnalysis: riskAnalysis}
}

// LoadBlockPages reads the templates from disk, falling back to the built-in page.
func LoadBlockPages(standardPath, riskAnalysisPath string) *BlockPages {
	log := logger.Component("blockpage")

	var standard, risk string
	if data, err := os.ReadFile(standardPath); err == nil {
		standard = string(data)
		log.WithField("bytes", len(data)).Info("loaded custom block page")
	} else {
		log.WithError(err).Warn("using fallback block page")
	}
	if riskAnalysisPath != "" {
		if data, err := os.ReadFile(riskAnalysisPath); err == nil {
			risk = string(data)
			log.Info("loaded risk analysis page for high-risk domains")
		}
	}
	return NewBlockPages(standard, risk)
}

// Response builds the reply for a blocked decision. ok is false for allowed requests.
func (p *BlockPages) Response(d models.Decision) (resp Response, ok bool) {
	if !d.Blocked() {
		return Response{}, false
	}

	var body []byte
	switch {
	case d.Tier == models.TierHighRisk && p.riskAnalysis != "":
		body = Render(p.riskAnalysis, d.Host, "")
	case d.Tier == models.TierHighRisk:
		body = Render(p.standard, d.Host, prefixed(notePrefixHighRisk, d.Rule))
	default:
		body = Render(p.standard, d.Host, prefixed(notePrefixStandard, d.Rule))
	}

	return Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=UTF-8"}},
		Body:       body,
	}, true
}

func prefixed(prefix string, r *models.Rule) string {
	if r == nil {
		return ""
	}
	if note := r.Note(); note != "" {
		return prefix + note
	}
	return ""
}
