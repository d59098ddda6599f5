// Package breaks classifies reconciliation breaks, applies the declarative
// auto-resolution rules, clusters related open breaks into patterns, and
// builds the run report.
package breaks

import "github.com/finrecon/recond/internal/models"

// Item pairs a break with the trade it references, which the classifier and
// pattern detector need for impact and feature computation. For mismatch and
// missing-external breaks Trade is the internal side; for missing-internal
// breaks it is the external trade.
type Item struct {
	Break *models.Break
	Trade *models.Trade
}
