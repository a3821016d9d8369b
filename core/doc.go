// Package core defines the shared data model of smallbot: role-based content
// built from a closed set of part types, tool call / tool result payloads and
// the stream event union emitted by a running turn. All other packages depend
// on core; core depends on nothing but the standard library and uuid.
package core
