package bcut

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

// Bcut reports times in milliseconds.
type utterance struct {
	StartTime  *int64 `json:"start_time"`
	EndTime    *int64 `json:"end_time"`
	Transcript string `json:"transcript"`
	Words      []struct {
		Label     string `json:"label"`
		StartTime int64  `json:"start_time"`
		EndTime   int64  `json:"end_time"`
	} `json:"words"`
}

type resultPayload struct {
	Utterances *[]utterance `json:"utterances"`
}

func parseResult(payload string, words bool) ([]asr.Segment, error) {
	var res resultPayload
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("%w: bcut result payload: %v", asr.ErrProviderProtocol, err)
	}
	if res.Utterances == nil {
		return nil, fmt.Errorf("%w: bcut result payload: missing utterances", asr.ErrProviderProtocol)
	}
	segs := make([]asr.Segment, 0, len(*res.Utterances))
	for i, u := range *res.Utterances {
		if u.StartTime == nil || u.EndTime == nil {
			return nil, fmt.Errorf("%w: bcut utterance %d: missing timestamps", asr.ErrProviderProtocol, i)
		}
		seg := asr.Segment{
			StartMS: *u.StartTime,
			EndMS:   *u.EndTime,
			Text:    strings.TrimSpace(u.Transcript),
		}
		if words {
			for _, w := range u.Words {
				seg.Words = append(seg.Words, asr.Word{
					StartMS: w.StartTime,
					EndMS:   w.EndTime,
					Text:    strings.TrimSpace(w.Label),
				})
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
