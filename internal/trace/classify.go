package trace

import "strings"

// wrapper keys that nest the interesting payload one level deeper. The
// provider wraps orchestration steps differently depending on the agent's
// configuration (supervisor routing, pre/post processing hooks).
var wrapperKeys = []string{
	"trace",
	"orchestrationTrace",
	"routingClassifierTrace",
	"preProcessingTrace",
	"postProcessingTrace",
	"customOrchestrationTrace",
}

// Classify inspects one raw trace fragment and returns its typed form.
// It never fails: anything that matches no known shape comes back as
// KindUnknown with the raw payload retained.
func Classify(raw map[string]any) Fragment {
	f := Fragment{Kind: KindUnknown, Raw: raw}
	if raw == nil {
		return f
	}

	f.AgentName, f.AgentID = envelopeAgent(raw)

	body := unwrap(raw)

	if rationale, ok := getMap(body, "rationale"); ok {
		if text, ok := getString(rationale, "text"); ok && strings.TrimSpace(text) != "" {
			f.Kind = KindRationale
			f.Rationale = text
			return f
		}
	}

	if input, ok := getMap(body, "invocationInput"); ok {
		if inv := classifyInvocation(input); inv != nil {
			f.Kind = KindInvocation
			f.Invocation = inv
			return f
		}
	}

	if obs, ok := getMap(body, "observation"); ok {
		if observation := classifyObservation(obs); observation != nil {
			f.Kind = KindObservation
			f.Observation = observation
			return f
		}
	}

	if modelInput, ok := getMap(body, "modelInvocationInput"); ok {
		if text, ok := getString(modelInput, "text"); ok {
			f.Kind = KindModelInput
			f.ModelText = text
			return f
		}
	}

	if modelOutput, ok := getMap(body, "modelInvocationOutput"); ok {
		if text := modelOutputText(modelOutput); text != "" {
			f.Kind = KindModelOutput
			f.ModelText = text
			return f
		}
	}

	if failure, ok := getMap(body, "failureTrace"); ok {
		reason, _ := getString(failure, "failureReason")
		f.Kind = KindFailure
		f.FailureReason = reason
		return f
	}

	return f
}

// unwrap descends through known wrapper keys until none apply.
func unwrap(m map[string]any) map[string]any {
	for {
		descended := false
		for _, key := range wrapperKeys {
			if inner, ok := getMap(m, key); ok {
				m = inner
				descended = true
				break
			}
		}
		if !descended {
			return m
		}
	}
}

// envelopeAgent pulls agent identity off the outermost envelope. The caller
// chain, when present, names the collaborator the fragment belongs to.
func envelopeAgent(raw map[string]any) (name, id string) {
	id, _ = getString(raw, "agentId")
	if chain, ok := getSlice(raw, "callerChain"); ok && len(chain) > 0 {
		if last, ok := chain[len(chain)-1].(map[string]any); ok {
			if arn, ok := getString(last, "agentAliasArn"); ok {
				name = agentNameFromARN(arn)
			}
		}
	}
	if name == "" {
		name, _ = getString(raw, "collaboratorName")
	}
	return name, id
}

// agentNameFromARN extracts a readable agent identifier from an alias ARN.
// Falls back to the raw value when the ARN does not match the expected shape.
func agentNameFromARN(arn string) string {
	idx := strings.LastIndex(arn, "/")
	if idx < 0 || idx == len(arn)-1 {
		return arn
	}
	trimmed := arn[:idx]
	if idx = strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func classifyInvocation(input map[string]any) *Invocation {
	if tool, ok := getMap(input, "actionGroupInvocationInput"); ok {
		inv := &Invocation{Type: InvocationTool, Parameters: map[string]string{}}
		if name, ok := getString(tool, "actionGroupName"); ok {
			inv.ToolName = name
		}
		if fn, ok := getString(tool, "function"); ok && fn != "" {
			if inv.ToolName == "" {
				inv.ToolName = fn
			} else if !strings.EqualFold(inv.ToolName, fn) {
				inv.ToolName = inv.ToolName + "." + fn
			}
		}
		if params, ok := getSlice(tool, "parameters"); ok {
			for _, p := range params {
				pm, ok := p.(map[string]any)
				if !ok {
					continue
				}
				name, _ := getString(pm, "name")
				value, _ := getString(pm, "value")
				if name != "" {
					inv.Parameters[name] = value
				}
			}
		}
		if inv.ToolName != "" {
			return inv
		}
		return nil
	}

	if collab, ok := getMap(input, "agentCollaboratorInvocationInput"); ok {
		inv := &Invocation{Type: InvocationCollaborator}
		inv.CollaboratorName, _ = getString(collab, "agentCollaboratorName")
		if payload, ok := getMap(collab, "input"); ok {
			inv.CollaboratorText, _ = getString(payload, "text")
		}
		if inv.CollaboratorName != "" {
			return inv
		}
		return nil
	}

	if kb, ok := getMap(input, "knowledgeBaseLookupInput"); ok {
		inv := &Invocation{Type: InvocationKnowledgeBase}
		inv.Query, _ = getString(kb, "text")
		inv.KnowledgeBaseID, _ = getString(kb, "knowledgeBaseId")
		return inv
	}

	if _, ok := getMap(input, "codeInterpreterInvocationInput"); ok {
		return &Invocation{Type: InvocationCodeInterpreter, ToolName: "code_interpreter"}
	}

	return nil
}

func classifyObservation(obs map[string]any) *Observation {
	if tool, ok := getMap(obs, "actionGroupInvocationOutput"); ok {
		o := &Observation{Type: ObservationToolResult}
		o.ResultText, _ = getString(tool, "text")
		o.ToolName, _ = getString(obs, "actionGroupName")
		return o
	}

	if collab, ok := getMap(obs, "agentCollaboratorInvocationOutput"); ok {
		o := &Observation{Type: ObservationCollaborator}
		o.CollaboratorName, _ = getString(collab, "agentCollaboratorName")
		if payload, ok := getMap(collab, "output"); ok {
			o.CollaboratorOutput, _ = getString(payload, "text")
		}
		return o
	}

	if kb, ok := getMap(obs, "knowledgeBaseLookupOutput"); ok {
		o := &Observation{Type: ObservationKnowledgeBase}
		if refs, ok := getSlice(kb, "retrievedReferences"); ok {
			for _, r := range refs {
				rm, ok := r.(map[string]any)
				if !ok {
					continue
				}
				ref := KBReference{}
				if content, ok := getMap(rm, "content"); ok {
					ref.Text, _ = getString(content, "text")
				}
				if loc, ok := getMap(rm, "location"); ok {
					if s3, ok := getMap(loc, "s3Location"); ok {
						ref.Location, _ = getString(s3, "uri")
					}
				}
				o.References = append(o.References, ref)
			}
		}
		return o
	}

	if final, ok := getMap(obs, "finalResponse"); ok {
		o := &Observation{Type: ObservationFinalResponse}
		o.FinalResponse, _ = getString(final, "text")
		return o
	}

	if reprompt, ok := getMap(obs, "repromptResponse"); ok {
		o := &Observation{Type: ObservationReprompt}
		o.RepromptText, _ = getString(reprompt, "text")
		return o
	}

	return nil
}
