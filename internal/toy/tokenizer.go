package toy

import "fmt"

// Byte-level vocabulary: ids 0..255 are raw bytes, followed by the two
// special markers below.
const (
	VocabSize = 258
	BOS       = 256
	EOS       = 257
)

// Tokenizer is a byte-level tokenizer. Every byte is its own token, so any
// single-byte stop sequence maps onto exactly one stop token id.
type Tokenizer struct{}

// Encode maps text to token ids, one per byte.
func (Tokenizer) Encode(text string) ([]int, error) {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out, nil
}

// Decode maps token ids back to text. Special markers decode to nothing.
func (Tokenizer) Decode(tokens []int) (string, error) {
	buf := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		switch {
		case tok >= 0 && tok < 256:
			buf = append(buf, byte(tok))
		case tok == BOS, tok == EOS:
		default:
			return "", fmt.Errorf("toy: token %d outside vocabulary", tok)
		}
	}
	return string(buf), nil
}
