package stt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// voskWord is one entry of a Vosk "result" array.
type voskWord struct {
	Word  string  `json:"word"`
	Conf  float64 `json:"conf"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type voskAlternative struct {
	Text       string     `json:"text"`
	Confidence float64    `json:"confidence"`
	Result     []voskWord `json:"result"`
}

type voskResult struct {
	Partial       *string           `json:"partial"`
	PartialResult []voskWord        `json:"partial_result"`
	Text          string            `json:"text"`
	Result        []voskWord        `json:"result"`
	Alternatives  []voskAlternative `json:"alternatives"`
}

// ParseResultJSON decodes a Vosk-style JSON result. It understands the three
// shapes Vosk produces:
//
//	{"partial": "turn on"}
//	{"text": "turn on the lights", "result": [{"word": ..., "conf": ..., "start": ..., "end": ...}]}
//	{"alternatives": [{"text": ..., "confidence": ..., "result": [...]}]}
//
// partial is true for the first shape. Confidence comes from the top
// alternative when present, otherwise from the mean word confidence, and
// defaults to 1.0. Raw alternative scores outside [0, 1] (Vosk reports
// log-likelihood sums) are normalised across the list with a softmax.
func ParseResultJSON(data []byte) (h Hypothesis, partial bool, err error) {
	var r voskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return Hypothesis{}, false, fmt.Errorf("stt: parse result JSON: %w", err)
	}

	if r.Partial != nil {
		h = Hypothesis{
			Text:       strings.TrimSpace(*r.Partial),
			Words:      convertWords(r.PartialResult),
			Confidence: meanConfidence(r.PartialResult),
		}
		return h, true, nil
	}

	if len(r.Alternatives) > 0 {
		confs := normaliseScores(r.Alternatives)
		h.Alternatives = make([]Alternative, len(r.Alternatives))
		for i, a := range r.Alternatives {
			h.Alternatives[i] = Alternative{Text: strings.TrimSpace(a.Text), Confidence: confs[i]}
		}
		top := r.Alternatives[0]
		h.Text = h.Alternatives[0].Text
		h.Confidence = confs[0]
		h.Words = convertWords(top.Result)
		return h, false, nil
	}

	h = Hypothesis{
		Text:       strings.TrimSpace(r.Text),
		Words:      convertWords(r.Result),
		Confidence: meanConfidence(r.Result),
	}
	return h, false, nil
}

func convertWords(ws []voskWord) []WordDetail {
	if len(ws) == 0 {
		return nil
	}
	out := make([]WordDetail, len(ws))
	for i, w := range ws {
		out[i] = WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Conf,
		}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// meanConfidence averages word confidences, or returns 1.0 without words.
func meanConfidence(ws []voskWord) float64 {
	if len(ws) == 0 {
		return 1.0
	}
	var sum float64
	for _, w := range ws {
		sum += w.Conf
	}
	return clamp01(sum / float64(len(ws)))
}

func normaliseScores(alts []voskAlternative) []float64 {
	out := make([]float64, len(alts))
	inRange := true
	maxScore := math.Inf(-1)
	for i, a := range alts {
		out[i] = a.Confidence
		if a.Confidence < 0 || a.Confidence > 1 {
			inRange = false
		}
		maxScore = max(maxScore, a.Confidence)
	}
	if inRange {
		return out
	}
	var sum float64
	for i := range out {
		out[i] = math.Exp(out[i] - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}
