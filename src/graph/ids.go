package graph

import "strings"

// SupplierID keys a supplier by the digits of its CNPJ or CPF, so formatted
// and raw documents land on the same node.
func SupplierID(document string) string {
	var b strings.Builder
	for _, r := range document {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "supplier:" + b.String()
}

// SupplierRoot returns the 8-digit company root of a 14-digit CNPJ node id,
// shared by every branch of the company, or "" for other documents.
func SupplierRoot(id string) string {
	digits := strings.TrimPrefix(id, "supplier:")
	if len(digits) != 14 {
		return ""
	}
	return digits[:8]
}

// AgencyID keys a government agency by its code.
func AgencyID(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	return "agency:" + code
}

// ContractID keys a contract by its source id.
func ContractID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "contract:" + id
}
