package translate

import "encoding/json"

// StreamRewriter buffers assistant content deltas while tools are active and,
// at end-of-stream, attempts extraction and rewrites the tail of the stream
// to carry OpenAI tool_calls deltas (spec.md §4.3 "Streaming"). When tools
// are not in play, callers should not construct a rewriter at all — pass
// chunks through byte-exact instead (spec.md §8 "Passthrough when no tools").
type StreamRewriter struct {
	id      string
	model   string
	content string
}

func NewStreamRewriter(id, model string) *StreamRewriter {
	return &StreamRewriter{id: id, model: model}
}

// Feed appends a content delta fragment observed on the upstream stream.
func (r *StreamRewriter) Feed(deltaContent string) {
	r.content += deltaContent
}

// Finish is called once the upstream stream ends (terminating chunk or a
// finish_reason). It attempts extraction over everything buffered via Feed
// and returns the chunks that should be emitted to the client in place of
// the buffered content: either the original content as a single delta
// followed by a finish_reason:"stop" chunk (extraction found nothing) or a
// sequence of tool_calls delta chunks followed by a finish_reason:"tool_calls"
// chunk.
//
// Arguments are emitted as a single fragment per tool call rather than
// re-chunked incrementally (spec.md §9: "either is OpenAI-conformant; the
// latter is simpler").
func (r *StreamRewriter) Finish() ([]ChatCompletionChunk, error) {
	result, err := Extract(r.content)
	if err != nil {
		return nil, err
	}

	if !result.Matched {
		content := r.content
		return []ChatCompletionChunk{
			r.contentChunk(content),
			r.finishChunk("stop"),
		}, nil
	}

	chunks := make([]ChatCompletionChunk, 0, len(result.ToolCalls)+1)
	for i, tc := range result.ToolCalls {
		idx := i
		first := ChatCompletionChunk{
			ID:     r.id,
			Object: "chat.completion.chunk",
			Model:  r.model,
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: ChunkDelta{
					ToolCalls: []ToolCall{{
						Index:    &idx,
						ID:       tc.ID,
						Type:     "function",
						Function: FunctionCall{Name: tc.Function.Name},
					}},
				},
			}},
		}
		chunks = append(chunks, first)

		args := ChatCompletionChunk{
			ID:     r.id,
			Object: "chat.completion.chunk",
			Model:  r.model,
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: ChunkDelta{
					ToolCalls: []ToolCall{{
						Index:    &idx,
						Function: FunctionCall{Arguments: tc.Function.Arguments},
					}},
				},
			}},
		}
		chunks = append(chunks, args)
	}

	chunks = append(chunks, r.finishChunk("tool_calls"))
	return chunks, nil
}

func (r *StreamRewriter) contentChunk(content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:     r.id,
		Object: "chat.completion.chunk",
		Model:  r.model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: ChunkDelta{Content: &content},
		}},
	}
}

func (r *StreamRewriter) finishChunk(reason string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:     r.id,
		Object: "chat.completion.chunk",
		Model:  r.model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        ChunkDelta{},
			FinishReason: &reason,
		}},
	}
}

// EncodeSSE marshals chunk as an SSE "data: ..." line (without the
// terminating blank line, which the caller appends).
func EncodeSSE(chunk ChatCompletionChunk) ([]byte, error) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out, nil
}
