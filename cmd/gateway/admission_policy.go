package main

// defaultAdmissionPolicy resolves the resource ceilings and accepts
// overrides for each route kind. It is deliberately small, and it is the
// only module main.go compiles into the admission engine; no flag replaces
// or extends it.
const defaultAdmissionPolicy = `
package enclavegate.admission

import rego.v1

default decision := {
	"memory_max_bytes": 67108864,
	"wall_clock_seconds": 10,
}

decision := result if {
	input.kind == "policy"
	result := {
		"memory_max_bytes": 16777216,
		"wall_clock_seconds": 5,
	}
}

decision := result if {
	input.kind == "wasm"
	input.paid == true
	result := {
		"memory_max_bytes": 134217728,
		"wall_clock_seconds": 20,
		"accepts": {"max_amount_required": "1000000"},
	}
}
`
