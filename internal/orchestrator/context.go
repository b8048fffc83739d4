package orchestrator

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/ShayCichocki/arbor/internal/llm"
	"github.com/ShayCichocki/arbor/internal/retrieval"
	"github.com/ShayCichocki/arbor/pkg/models"
)

// assembleContext merges the parents' contexts with this node's own
// retrieval. Retrieval misses and failures fall back to the broad report.
func (o *Orchestrator) assembleContext(ctx context.Context, n *models.Node) (models.Context, error) {
	parts := make([]models.Context, 0, len(n.Parents)+1)
	for _, pid := range n.Parents {
		p, err := o.store.Get(pid)
		if err != nil {
			continue
		}
		parts = append(parts, p.Context)
	}

	own, err := o.retrieve(ctx, n.Question)
	if err != nil {
		return models.Context{}, err
	}
	parts = append(parts, own)
	return mergeContexts(o.cfg.MaxContextChars, parts...), nil
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) (models.Context, error) {
	if o.ret == nil {
		o.retrievalMiss.Add(1)
		return o.fallback.Clone(), nil
	}

	var res retrieval.Result
	err := llm.Retry(ctx, o.retry, func(ctx context.Context) error {
		var err error
		res, err = o.ret.Retrieve(ctx, query)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Context{}, ctx.Err()
		}
		o.logger.Warn("retrieval failed, using fallback evidence",
			KindRetrievalFailure.Field(), zap.String("query", query), zap.Error(err))
		o.retrievalMiss.Add(1)
		return o.fallback.Clone(), nil
	}
	if !res.Hit {
		o.retrievalMiss.Add(1)
		return o.fallback.Clone(), nil
	}
	o.retrievalHits.Add(1)
	return models.Context{Text: res.Text(), Citations: res.Citations}, nil
}

// mergeContexts concatenates contexts in order, dropping paragraphs whose
// fingerprint was already seen and citations whose key was already seen.
// When maxChars > 0 the oldest paragraphs are dropped until the text fits.
func mergeContexts(maxChars int, parts ...models.Context) models.Context {
	seen := make(map[[32]byte]bool)
	seenCite := make(map[string]bool)
	var paras []string
	var cites []models.Citation

	for _, p := range parts {
		for _, para := range splitParagraphs(p.Text) {
			key := fingerprint(para)
			if seen[key] {
				continue
			}
			seen[key] = true
			paras = append(paras, para)
		}
		for _, c := range p.Citations {
			if seenCite[c.Key()] {
				continue
			}
			seenCite[c.Key()] = true
			cites = append(cites, c)
		}
	}

	if maxChars > 0 {
		for len(paras) > 1 && joinedLen(paras) > maxChars {
			paras = paras[1:]
		}
		if len(paras) == 1 && len(paras[0]) > maxChars {
			paras[0] = truncateUTF8(paras[0], maxChars)
		}
	}
	return models.Context{Text: strings.Join(paras, "\n\n"), Citations: cites}
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fingerprint hashes a paragraph with whitespace and case folded.
func fingerprint(para string) [32]byte {
	norm := strings.ToLower(strings.Join(strings.Fields(para), " "))
	return blake3.Sum256([]byte(norm))
}

func joinedLen(paras []string) int {
	n := 0
	for _, p := range paras {
		n += len(p)
	}
	return n + 2*(len(paras)-1)
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
