package main

import (
	"fmt"
	"strings"

	"github.com/strandml/strand/internal/api"
	"github.com/strandml/strand/internal/toy"
)

// chatEncoder renders chat messages through a fixed plain-text template and
// encodes the result with the toy tokenizer.
type chatEncoder struct {
	tok toy.Tokenizer
}

func (e chatEncoder) Encode(text string) ([]int, error) {
	return e.tok.Encode(text)
}

func (e chatEncoder) EncodeChat(msgs []api.ChatMessage, tools []api.ChatTool) ([]int, error) {
	var b strings.Builder
	for _, t := range tools {
		b.WriteString("tool ")
		b.WriteString(t.Function.Name)
		if t.Function.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Function.Description)
		}
		b.WriteByte('\n')
	}
	for _, m := range msgs {
		text, err := messageText(m)
		if err != nil {
			return nil, err
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteByte('\n')
	}
	b.WriteString("assistant: ")
	return e.tok.Encode(b.String())
}

func messageText(m api.ChatMessage) (string, error) {
	switch content := m.Content.(type) {
	case string:
		return content, nil
	case nil:
		return "", nil
	case []any:
		var parts []string
		for _, raw := range content {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if typ, _ := pm["type"].(string); typ == "text" {
				if text, ok := pm["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", fmt.Errorf("message content: unsupported type %T", m.Content)
	}
}
