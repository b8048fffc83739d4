package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/arbor/pkg/models"
)

const barWidth = 10

// Renderer draws a document as an indented question tree.
type Renderer struct {
	// MaxAnswer truncates answers; 0 hides them.
	MaxAnswer int

	titleStyle    lipgloss.Style
	arrowStyle    lipgloss.Style
	questionStyle lipgloss.Style
	answerStyle   lipgloss.Style
	badgeStyle    lipgloss.Style
	tagStyle      lipgloss.Style
	failedStyle   lipgloss.Style
	highStyle     lipgloss.Style
	midStyle      lipgloss.Style
	lowStyle      lipgloss.Style
	buyStyle      lipgloss.Style
	sellStyle     lipgloss.Style
	holdStyle     lipgloss.Style
}

// NewRenderer returns a renderer with the default styles.
func NewRenderer() *Renderer {
	return &Renderer{
		MaxAnswer: 120,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),
		arrowStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		questionStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		answerStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true),
		badgeStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
		tagStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		failedStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		highStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		midStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		lowStyle:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		buyStyle:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("34")),
		sellStyle:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		holdStyle:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
	}
}

// Render returns the header, decision and tree of d.
func (r *Renderer) Render(d *Document) string {
	var b strings.Builder

	b.WriteString(r.titleStyle.Render(d.Question))
	b.WriteString("\n")
	if d.Company != "" || d.Period != "" {
		b.WriteString(r.arrowStyle.Render(strings.TrimSpace(d.Company + " " + d.Period)))
		b.WriteString("\n")
	}
	b.WriteString(r.arrowStyle.Render(fmt.Sprintf("session %s  v%d  %s  %d nodes  %d llm calls",
		d.SessionID, d.Version, d.Status, d.Stats.NodeCount, d.Stats.LLMCalls)))
	b.WriteString("\n")

	if fd := d.FinalDecision; fd != nil {
		b.WriteString(fmt.Sprintf("Decision: %s %s %s\n",
			r.position(fd.Position), r.bar(fd.Confidence), r.tags(fd.Rationale)))
	}
	b.WriteString("\n")

	aliases := make(map[string][]string)
	for id, n := range d.Nodes {
		if n.Kind == models.NodeKindAlias {
			for _, p := range n.Parents {
				aliases[p] = append(aliases[p], id)
			}
		}
	}
	for _, ids := range aliases {
		sort.Strings(ids)
	}

	seen := make(map[string]bool)
	if _, ok := d.Nodes[d.RootID]; ok {
		r.writeNode(&b, d, d.RootID, aliases, seen, 0)
	}

	if len(d.MissingQuestions) > 0 {
		b.WriteString("\n" + r.titleStyle.Render("Not covered by the tree") + "\n")
		for _, m := range d.MissingQuestions {
			line := r.arrowStyle.Render("?") + " " + r.questionStyle.Render(m.Question) + " " + r.bar(m.Confidence)
			if m.Importance != "" {
				line += " " + r.tagStyle.Render("["+m.Importance+"]")
			}
			if m.Error != "" {
				line += " " + r.failedStyle.Render("FAILED")
			}
			b.WriteString(line + "\n")
			if r.MaxAnswer > 0 && m.Answer != "" {
				b.WriteString("      " + r.answerStyle.Render(truncate(m.Answer, r.MaxAnswer)) + "\n")
			}
		}
	}
	return b.String()
}

// writeNode renders a node and its children. Nodes with several parents are
// drawn in full under the first one only.
func (r *Renderer) writeNode(b *strings.Builder, d *Document, id string, aliases map[string][]string, seen map[string]bool, depth int) {
	n := d.Nodes[id]
	indent := strings.Repeat("  ", depth)
	prefix := ""
	if depth > 0 {
		prefix = r.arrowStyle.Render("|--") + " "
	}

	line := indent + prefix + r.badge(n.Kind) + r.questionStyle.Render(n.Question)
	if seen[id] {
		b.WriteString(line + " " + r.arrowStyle.Render("(see above)") + "\n")
		return
	}
	seen[id] = true

	line += " " + r.bar(n.Confidence)
	if n.Status == models.NodeStatusFailed {
		line += " " + r.failedStyle.Render("FAILED")
	}
	if n.UserModified {
		line += " " + r.badgeStyle.Render("(edited)")
	}
	if tags := r.tags(n.Rationale); tags != "" {
		line += " " + tags
	}
	b.WriteString(line + "\n")

	if r.MaxAnswer > 0 && n.Answer != "" {
		b.WriteString(indent + "      " + r.answerStyle.Render(truncate(n.Answer, r.MaxAnswer)) + "\n")
	}

	for _, c := range n.Children {
		if _, ok := d.Nodes[c]; ok {
			r.writeNode(b, d, c, aliases, seen, depth+1)
		}
	}
	for _, a := range aliases[id] {
		alias := d.Nodes[a]
		canon := d.Nodes[alias.Canonical]
		b.WriteString(strings.Repeat("  ", depth+1) + r.arrowStyle.Render("|--") + " " + r.badge(alias.Kind) +
			r.questionStyle.Render(alias.Question) + " " + r.arrowStyle.Render("= "+truncate(canon.Question, 60)) + "\n")
	}
}

func (r *Renderer) badge(k models.NodeKind) string {
	switch k {
	case models.NodeKindSummary:
		return r.badgeStyle.Render("[summary]") + " "
	case models.NodeKindCombination:
		return r.badgeStyle.Render("[combined]") + " "
	case models.NodeKindAlias:
		return r.badgeStyle.Render("[alias]") + " "
	default:
		return ""
	}
}

// bar draws a confidence gauge such as ███████░░░ 0.70.
func (r *Renderer) bar(c float64) string {
	filled := int(c*barWidth + 0.5)
	if filled < 0 {
		filled = 0
	}
	if filled > barWidth {
		filled = barWidth
	}
	gauge := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	style := r.lowStyle
	switch {
	case c >= 0.7:
		style = r.highStyle
	case c >= 0.4:
		style = r.midStyle
	}
	return style.Render(fmt.Sprintf("%s %.2f", gauge, c))
}

func (r *Renderer) tags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return r.tagStyle.Render("[" + strings.Join(tags, ", ") + "]")
}

func (r *Renderer) position(p models.Position) string {
	switch p {
	case models.PositionBuy:
		return r.buyStyle.Render(string(p))
	case models.PositionSell:
		return r.sellStyle.Render(string(p))
	case models.PositionHold:
		return r.holdStyle.Render(string(p))
	default:
		return r.arrowStyle.Render(string(p))
	}
}

// truncate shortens s to n runes with an ellipsis.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
