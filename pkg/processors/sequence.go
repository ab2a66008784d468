package processors

import (
	"fmt"

	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

const (
	PadToken     = "<pad>"
	UnknownToken = "<unk>"
)

// SequenceProcessor maps a list of codes to vocabulary indices. Index 0 is
// padding and index 1 stands for codes unseen during Fit.
type SequenceProcessor struct {
	Vocab map[string]int
}

func (p *SequenceProcessor) Fit(list []samples.Sample, field string) error {
	p.Vocab = map[string]int{PadToken: 0, UnknownToken: 1}
	for i, s := range list {
		tokens, err := toList(s[field])
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		for _, tok := range tokens {
			key, err := labelKey(tok)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			if _, ok := p.Vocab[key]; !ok {
				p.Vocab[key] = len(p.Vocab)
			}
		}
	}
	return nil
}

func (p *SequenceProcessor) Process(v interface{}) (interface{}, error) {
	if p.Vocab == nil {
		return nil, ErrNotFitted
	}
	tokens, err := toList(v)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		key, err := labelKey(tok)
		if err != nil {
			return nil, err
		}
		idx, ok := p.Vocab[key]
		if !ok {
			idx = p.Vocab[UnknownToken]
		}
		out[i] = idx
	}
	return out, nil
}

func (p *SequenceProcessor) Size() (int, bool) { return len(p.Vocab), p.Vocab != nil }
