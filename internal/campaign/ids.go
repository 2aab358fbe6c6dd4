package campaign

import (
	"strings"

	"github.com/google/uuid"
)

const lonelyInfix = "-lonely-"

// IDGenerator produces the suffixes used in minion and directive identifiers.
type IDGenerator interface {
	Short() string
}

// UUIDGenerator generates suffixes from random UUIDs.
type UUIDGenerator struct{}

// Short returns the first 12 hexadecimal characters of a random UUID.
func (UUIDGenerator) Short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// MinionIDFor returns the identifier of a minion of the shared pool.
func MinionIDFor(scenario ScenarioName, suffix string) MinionID {
	return scenario + "-" + suffix
}

// LonelyMinionIDFor returns the identifier of the dedicated minion of a
// singleton or not-under-load DAG.
func LonelyMinionIDFor(scenario ScenarioName, suffix string) MinionID {
	return scenario + lonelyInfix + suffix
}

// IsLonelyMinion reports whether the identifier was built by LonelyMinionIDFor
// for the scenario.
func IsLonelyMinion(scenario ScenarioName, id MinionID) bool {
	return strings.HasPrefix(id, scenario+lonelyInfix)
}
