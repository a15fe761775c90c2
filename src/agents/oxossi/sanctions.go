package oxossi

import (
	"fmt"
	"time"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

// Scores for sanction matches.
const (
	scoreActive       = 0.95
	scoreExpired      = 0.6
	scoreRootDiscount = 0.8
)

type sanction struct {
	ID       string
	Source   string
	Kind     string
	Supplier string
	Start    time.Time
	End      time.Time
	match    string
}

func (s sanction) nodeID() string {
	return "sanction:" + s.Source + ":" + s.ID
}

func (s sanction) entity() graph.Entity {
	attrs := map[string]string{"registry": s.Source}
	if s.Kind != "" {
		attrs["type"] = s.Kind
	}
	if !s.End.IsZero() {
		attrs["until"] = s.End.Format("2006-01-02")
	}
	return graph.Entity{ID: s.nodeID(), Kind: graph.KindSanction, Attributes: attrs}
}

func (s sanction) active(now time.Time) bool {
	return s.End.IsZero() || s.End.After(now)
}

func (s sanction) candidate(supplier string, now time.Time) anomaly.Candidate {
	score := scoreExpired
	state := "expired"
	if s.active(now) {
		score = scoreActive
		state = "active"
	}
	if s.match == "root" {
		score *= scoreRootDiscount
	}
	return anomaly.Candidate{
		Ref:       supplier,
		Label:     s.Kind,
		Value:     1,
		Method:    methodRule,
		Type:      anomaly.TypeSanctionedSupplier,
		Score:     score,
		Indicator: fmt.Sprintf("%s sanction in %s (%s, %s match)", state, s.Source, s.Kind, s.match),
	}
}

// parseSanctions keeps records naming the supplier, or any branch of it when
// byRoot is set.
func parseSanctions(records []federation.Record, supplier string, byRoot bool) []sanction {
	root := graph.SupplierRoot(supplier)
	var out []sanction
	for idx, rec := range records {
		s, err := parseSanction(rec, idx)
		if err != nil {
			continue
		}
		switch {
		case s.Supplier == supplier:
			s.match = "exact"
		case byRoot && root != "" && graph.SupplierRoot(s.Supplier) == root:
			s.match = "root"
		default:
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseSanction(rec federation.Record, idx int) (sanction, error) {
	supplier := graph.SupplierID(agentcore.String(agentcore.Lookup(rec,
		"cnpj", "cpfCnpj", "sancionado.codigoFormatado", "pessoa.cnpjFormatado")))
	if supplier == "" {
		return sanction{}, errNoDocument
	}
	id := agentcore.String(agentcore.Lookup(rec, "id", "numeroProcesso"))
	if id == "" {
		id = fmt.Sprintf("row-%d", idx)
	}
	return sanction{
		ID:       id,
		Source:   agentcore.String(rec[federation.SourceKey]),
		Kind:     agentcore.String(agentcore.Lookup(rec, "tipoSancao.descricaoResumida", "tipo")),
		Supplier: supplier,
		Start:    agentcore.Time(agentcore.Lookup(rec, "dataInicioSancao", "inicio")),
		End:      agentcore.Time(agentcore.Lookup(rec, "dataFimSancao", "fim")),
	}, nil
}
