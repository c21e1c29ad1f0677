// Package adapter provides database adapter interfaces and implementations
// for LeapGate's governed query execution.
//
// This package contains the public contract that all database adapters must implement.
// Concrete adapter implementations are in pkg/adapters/ subdirectories.
package adapter

import (
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// Type aliases so adapter implementations only need this package.
type (
	// Adapter is an alias for core.Adapter.
	Adapter = core.Adapter

	// Config is an alias for core.AdapterConfig.
	Config = core.AdapterConfig

	// Rows is an alias for core.Rows.
	Rows = core.Rows

	// ProcedureCall is an alias for core.ProcedureCall.
	ProcedureCall = core.ProcedureCall
)
