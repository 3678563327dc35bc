package llmgo

import (
	"math"
	"math/rand"
)

const initStd = 0.02

// RandomGPT2 builds a freshly initialised model: normal(0, 0.02) weights, residual projections
// additionally scaled by 1/sqrt(2*L), zero biases and unit layer norm gains.
func RandomGPT2(config GPT2Config, seed int64) *GPT2 {
	model := NewGPT2(config)
	model.InitWeights(rand.New(rand.NewSource(seed)))
	return model
}

func (model *GPT2) InitWeights(rng *rand.Rand) {
	p := model.Params
	normal := func(t tensor, std float64) {
		for i := range t.data {
			t.data[i] = float32(rng.NormFloat64() * std)
		}
	}
	fill := func(t tensor, v float32) {
		for i := range t.data {
			t.data[i] = v
		}
	}
	residualStd := initStd / math.Sqrt(2*float64(model.Config.L))
	normal(p.WordTokEmbed, initStd)
	normal(p.WordPosEmbed, initStd)
	normal(p.QueryKeyValW, initStd)
	normal(p.AttProjW, residualStd)
	normal(p.FeedFwdW, initStd)
	normal(p.FeedFwdProjW, residualStd)
	for _, t := range []tensor{p.LayerNorm1W, p.Layer2NormW, p.LayerFinNormW} {
		fill(t, 1)
	}
	for _, t := range []tensor{p.LayerNorm1B, p.QueryKeyValB, p.AttProjB, p.Layer2NormB, p.FeedFwdB, p.FeedFwdProjB, p.LayerFinNormB} {
		fill(t, 0)
	}
}
