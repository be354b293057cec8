package query

import (
	"sort"

	"github.com/hupe1980/imago/model"
	"github.com/hupe1980/imago/textindex"
	"github.com/hupe1980/imago/vectorindex"
)

// fuse merges the two sub-search result lists into one ranked list.
//
// Sub-scores are normalized to [0,1] first: inner-product similarity over
// unit vectors lives in [-1,1] and maps through (s+1)/2; BM25 relevance is
// unbounded and maps through division by the list maximum. The combined
// score is the weighted sum. Deterministic: ties break by image id
// ascending, so identical inputs always produce the identical ranking.
func fuse(vecHits []vectorindex.Hit, textHits []textindex.Hit, vecWeight, textWeight float64) []model.ResultItem {
	byID := make(map[model.ImageID]*model.ResultItem, len(vecHits)+len(textHits))

	get := func(id model.ImageID) *model.ResultItem {
		item, ok := byID[id]
		if !ok {
			item = &model.ResultItem{ID: id}
			byID[id] = item
		}
		return item
	}

	for _, h := range vecHits {
		get(h.ID).VectorScore = (float64(h.Similarity) + 1) / 2
	}

	var maxRelevance float64
	for _, h := range textHits {
		if h.Relevance > maxRelevance {
			maxRelevance = h.Relevance
		}
	}
	if maxRelevance > 0 {
		for _, h := range textHits {
			get(h.ID).TextScore = h.Relevance / maxRelevance
		}
	}

	items := make([]model.ResultItem, 0, len(byID))
	for _, item := range byID {
		item.Score = vecWeight*item.VectorScore + textWeight*item.TextScore
		items = append(items, *item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// normalizeWeights scales the pair to sum to 1, honoring absent
// modalities: a modality that was not supplied carries zero weight no
// matter what the request asked for.
func normalizeWeights(vecWeight, textWeight float64, haveVec, haveText bool) (float64, float64) {
	if !haveVec {
		vecWeight = 0
	}
	if !haveText {
		textWeight = 0
	}
	sum := vecWeight + textWeight
	if sum <= 0 {
		// Degenerate weights: split evenly over whatever is present.
		switch {
		case haveVec && haveText:
			return 0.5, 0.5
		case haveVec:
			return 1, 0
		case haveText:
			return 0, 1
		default:
			return 0, 0
		}
	}
	return vecWeight / sum, textWeight / sum
}
