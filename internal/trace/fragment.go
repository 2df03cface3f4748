// Package trace turns raw agent-orchestration trace fragments into typed,
// structured events. The upstream trace schema is owned by the provider and
// varies between invocations, so everything in this package is defensive:
// classification and extraction degrade to an explicit Unknown/no-data
// outcome instead of returning errors.
package trace

// Kind classifies a trace fragment.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindRationale   Kind = "rationale"
	KindModelInput  Kind = "model_input"
	KindModelOutput Kind = "model_output"
	KindInvocation  Kind = "invocation"
	KindObservation Kind = "observation"
	KindFailure     Kind = "failure"
)

// InvocationType identifies what kind of call an invocation fragment describes.
type InvocationType string

const (
	InvocationTool            InvocationType = "tool"
	InvocationKnowledgeBase   InvocationType = "knowledge_base"
	InvocationCollaborator    InvocationType = "collaborator"
	InvocationCodeInterpreter InvocationType = "code_interpreter"
	InvocationUnknown         InvocationType = "unknown"
)

// ObservationType identifies what kind of result an observation carries.
type ObservationType string

const (
	ObservationToolResult    ObservationType = "tool_result"
	ObservationKnowledgeBase ObservationType = "knowledge_base"
	ObservationCollaborator  ObservationType = "collaborator"
	ObservationFinalResponse ObservationType = "final_response"
	ObservationReprompt      ObservationType = "reprompt"
	ObservationUnknown       ObservationType = "unknown"
)

// Fragment is the canonical in-memory form of one provider trace event.
// Exactly one payload field is populated according to Kind; Raw always
// retains the original structure for replay and debugging.
type Fragment struct {
	Kind Kind

	// Agent attribution evidence carried on the fragment envelope, when the
	// provider included it. May be empty.
	AgentName string
	AgentID   string

	Rationale     string       // KindRationale
	ModelText     string       // KindModelInput / KindModelOutput
	Invocation    *Invocation  // KindInvocation
	Observation   *Observation // KindObservation
	FailureReason string       // KindFailure

	Raw map[string]any
}

// Invocation describes an in-flight tool, knowledge-base, or collaborator call.
type Invocation struct {
	Type             InvocationType
	ToolName         string
	Parameters       map[string]string
	CollaboratorName string
	CollaboratorText string
	KnowledgeBaseID  string
	Query            string
}

// Observation describes the result side of an invocation.
type Observation struct {
	Type               ObservationType
	ToolName           string
	ResultText         string
	CollaboratorName   string
	CollaboratorOutput string
	References         []KBReference
	FinalResponse      string
	RepromptText       string
}

// KBReference is one retrieved knowledge-base document reference.
type KBReference struct {
	Text     string `json:"text"`
	Location string `json:"location,omitempty"`
}

// IsUnknown reports whether classification produced no usable data.
func (f Fragment) IsUnknown() bool {
	return f.Kind == KindUnknown || f.Kind == ""
}
