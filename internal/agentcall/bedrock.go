package agentcall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"

	"sonar/internal/logging"
)

// BedrockInvoker invokes a Bedrock agent and adapts its event stream.
type BedrockInvoker struct {
	client  *bedrockagentruntime.Client
	agentID string
	aliasID string
	logger  logging.Logger
}

// NewBedrockInvoker creates an invoker bound to one agent alias.
func NewBedrockInvoker(client *bedrockagentruntime.Client, agentID, aliasID string, logger logging.Logger) *BedrockInvoker {
	return &BedrockInvoker{
		client:  client,
		agentID: agentID,
		aliasID: aliasID,
		logger:  logging.OrNop(logger),
	}
}

// Invoke starts the agent invocation with tracing enabled and returns the
// adapted stream.
func (b *BedrockInvoker) Invoke(ctx context.Context, req Request) (Stream, error) {
	out, err := b.client.InvokeAgent(ctx, &bedrockagentruntime.InvokeAgentInput{
		AgentId:      aws.String(b.agentID),
		AgentAliasId: aws.String(b.aliasID),
		SessionId:    aws.String(req.SessionID),
		InputText:    aws.String(req.InputText),
		EnableTrace:  aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke agent: %w", err)
	}
	return &bedrockStream{
		stream: out.GetStream(),
		logger: b.logger,
	}, nil
}

type bedrockStream struct {
	stream *bedrockagentruntime.InvokeAgentEventStream
	logger logging.Logger
}

func (s *bedrockStream) Next(ctx context.Context) (Event, bool) {
	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case sdkEvent, ok := <-s.stream.Events():
			if !ok {
				return Event{}, false
			}
			event, ok := s.convert(sdkEvent)
			if !ok {
				continue // unrecognized member type, skip
			}
			return event, true
		}
	}
}

// convert maps one SDK stream member onto the neutral event union. Trace
// parts are flattened to a loosely-typed map so that downstream
// classification never depends on SDK types.
func (s *bedrockStream) convert(sdkEvent types.ResponseStream) (Event, bool) {
	switch member := sdkEvent.(type) {
	case *types.ResponseStreamMemberChunk:
		return Event{Kind: EventChunk, Chunk: member.Value.Bytes}, true
	case *types.ResponseStreamMemberTrace:
		raw, err := tracePartToMap(member.Value)
		if err != nil {
			s.logger.Debug("trace part not convertible, passing empty fragment: %v", err)
			raw = map[string]any{}
		}
		return Event{Kind: EventTrace, Trace: raw}, true
	default:
		return Event{}, false
	}
}

func (s *bedrockStream) Err() error {
	return s.stream.Err()
}

func (s *bedrockStream) Close() error {
	return s.stream.Close()
}

// tracePartToMap round-trips the SDK trace part through JSON. The resulting
// keys carry exported Go field names and union Value wrappers; the trace
// classifier probes case-insensitively and unwraps them.
func tracePartToMap(part types.TracePart) (map[string]any, error) {
	buf, err := json.Marshal(part)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
