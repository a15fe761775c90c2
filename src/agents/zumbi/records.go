package zumbi

import (
	"fmt"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

// parseContracts keeps records that carry a numeric value. Records without an
// id are keyed by position so every point stays addressable.
func parseContracts(records []federation.Record) []Contract {
	out := make([]Contract, 0, len(records))
	for idx, rec := range records {
		value, ok := agentcore.Float(agentcore.Lookup(rec, "valor", "valorFinalCompra", "valorInicialCompra", "valorContrato"))
		if !ok {
			continue
		}
		id := agentcore.String(agentcore.Lookup(rec, "id", "numero", "numeroContrato"))
		if id == "" {
			id = fmt.Sprintf("row-%d", idx)
		}
		out = append(out, Contract{
			ID:           id,
			Object:       agentcore.String(agentcore.Lookup(rec, "objeto", "descricao")),
			Value:        value,
			SupplierID:   graph.SupplierID(agentcore.String(agentcore.Lookup(rec, "cnpj", "fornecedor.cnpjFormatado", "fornecedor.cnpj", "fornecedor.codigoFormatado"))),
			SupplierName: agentcore.String(agentcore.Lookup(rec, "fornecedor.nome", "nomeFornecedor", "razaoSocial")),
			AgencyID:     graph.AgencyID(agentcore.String(agentcore.Lookup(rec, "orgao", "codigoOrgao", "unidadeGestora.orgaoVinculado.codigoSIAFI"))),
			AgencyName:   agentcore.String(agentcore.Lookup(rec, "nomeOrgao", "unidadeGestora.orgaoVinculado.nome")),
			SignedAt:     agentcore.Time(agentcore.Lookup(rec, "dataAssinatura", "data")),
		})
	}
	return out
}
