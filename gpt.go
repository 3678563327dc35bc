package llmgo

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

const GPT2_EOT int32 = 50256

type GPT2 struct {
	Config GPT2Config // Hyper-parameters of the model
	// Params has the actual weights of the model. Params.Memory is for convenience to be able to set/reset parameters simply
	Params ParameterTensors // Weights of the model
	// Grads contains the delta/gradient that will eventually be applied to the params in the model
	Grads ParameterTensors // Gradients of the weights
	Acts  ActivationTensors // Activations of the model
	// gradients of the activations
	GradsActs ActivationTensors
	B         int     // Current batch size (B)
	T         int     // Current sequence length (T)
	Inputs    []int32 // Input tokens
	Targets   []int32 // Target tokens
	MeanLoss  float32 // Mean loss after a forward pass
	// ActivationCheckpointing keeps only the residual stream between layers during Forward and
	// recomputes every layer's activations right before its backward pass.
	ActivationCheckpointing bool
}

// NewGPT2 allocates a model with zeroed weights for the given config.
func NewGPT2(config GPT2Config) *GPT2 {
	model := &GPT2{Config: config}
	model.Params.Init(config.V, config.C, config.MaxSeqLen, config.L)
	return model
}

// Replica returns a model sharing this model's weights but owning its own activations and
// gradients. Replicas run forward/backward passes concurrently as long as nobody writes the
// weights at the same time.
func (model *GPT2) Replica() *GPT2 {
	replica := &GPT2{
		Config:                  model.Config,
		ActivationCheckpointing: model.ActivationCheckpointing,
	}
	replica.Params.Bind(model.Params.Memory, model.Config.V, model.Config.C, model.Config.MaxSeqLen, model.Config.L)
	return replica
}

func (model *GPT2) String() string {
	var s string
	s += "[GPT-2]\n"
	s += fmt.Sprintf("max_seq_len: %d\n", model.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("num_layers: %d\n", model.Config.L)
	s += fmt.Sprintf("num_heads: %d\n", model.Config.NH)
	s += fmt.Sprintf("channels: %d\n", model.Config.C)
	s += fmt.Sprintf("num_parameters: %d\n", len(model.Params.Memory))
	return s
}

// attentionScale is 1/sqrt(head size), further divided by (layer+1) when the model scales
// attention by the inverse layer index.
func (model *GPT2) attentionScale(l int) float64 {
	scale := 1.0 / math.Sqrt(float64(model.Config.C/model.Config.NH))
	if model.Config.ScaleAttnByInverseLayerIdx {
		scale /= float64(l + 1)
	}
	return scale
}

func (model *GPT2) allocateActivations(B, T int) {
	V, L, NH, C := model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	model.B, model.T = B, T
	if model.ActivationCheckpointing {
		model.Acts.InitCheckpointed(B, C, T, L, NH, V)
	} else {
		model.Acts.Init(B, C, T, L, NH, V)
	}
	model.GradsActs = ActivationTensors{}
	model.Inputs = make([]int32, B*T)
	model.Targets = make([]int32, B*T)
}

// Forward runs the model over B sequences of T tokens. When targets are given the mean
// cross-entropy loss is stored in MeanLoss, otherwise MeanLoss is set to -1.
func (model *GPT2) Forward(input, target []int32, B, T int) error {
	if T > model.Config.MaxSeqLen {
		return errors.Errorf("sequence length %d exceeds the model maximum of %d", T, model.Config.MaxSeqLen)
	}
	if len(input) < B*T {
		return errors.Errorf("got %d input tokens, want %d", len(input), B*T)
	}
	if len(target) > 0 && len(target) < B*T {
		return errors.Errorf("got %d target tokens, want %d", len(target), B*T)
	}
	wantSlots := model.Config.L
	if model.ActivationCheckpointing {
		wantSlots = 1
	}
	if model.Acts.Memory == nil || model.B != B || model.T != T || model.Acts.Slots != wantSlots {
		model.allocateActivations(B, T)
	}
	V, L, C := model.Config.V, model.Config.L, model.Config.C
	copy(model.Inputs, input[:B*T])
	if len(target) > 0 {
		copy(model.Targets, target[:B*T])
	}
	params, acts := model.Params, model.Acts
	// This encodes the word token embeddings with the positional embeddings
	// so that those vectors have spacial information and aren't just purely made up of the
	// token embeddings. The result of this is stored in acts.Encoded.
	encoderForward(acts.Encoded.data, model.Inputs, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	for l := 0; l < L; l++ {
		model.layerForward(l, model.slot(l))
	}
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	// Now we layer norm the final layer activations so that the logits can be calculated
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, residual, params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)
	// Matrix multiplying the Word Token embedding gives us the logits.
	matmulForward(acts.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, nil, B, T, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)
	// also forward the cross-entropy loss function if we have the targets
	if len(target) > 0 {
		crossEntropyForward(acts.Losses.data, acts.Probabilities.data, model.Targets, B, T, V)
		// for convenience also evaluate the mean loss
		var meanLoss float32
		for i := range acts.Losses.data {
			meanLoss += acts.Losses.data[i]
		}
		meanLoss /= float32(B * T)
		model.MeanLoss = meanLoss
	} else {
		model.MeanLoss = -1.0
	}
	return nil
}

func (model *GPT2) slot(l int) int {
	if model.ActivationCheckpointing {
		return 0
	}
	return l
}

// layerForward runs transformer block l, writing its intermediate activations into slot and its
// output into Residual3[l].
func (model *GPT2) layerForward(l, slot int) {
	B, T, NH, C := model.B, model.T, model.Config.NH, model.Config.C
	params, acts := model.Params, model.Acts
	// residual is a connection between the last layers output, or the initial token/pos embedding
	var residual []float32
	if l == 0 {
		residual = acts.Encoded.data
	} else {
		residual = acts.Residual3.data[(l-1)*B*T*C:]
	}
	// Parameters
	l_ln1w := params.LayerNorm1W.data[l*C:]
	l_ln1b := params.LayerNorm1B.data[l*C:]
	l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
	l_qkvb := params.QueryKeyValB.data[l*3*C:]
	l_attprojw := params.AttProjW.data[l*C*C:]
	l_attprojb := params.AttProjB.data[l*C:]
	l_ln2w := params.Layer2NormW.data[l*C:]
	l_ln2b := params.Layer2NormB.data[l*C:]
	l_fcw := params.FeedFwdW.data[l*4*C*C:]
	l_fcb := params.FeedFwdB.data[l*4*C:]
	l_fcprojw := params.FeedFwdProjW.data[l*C*4*C:]
	l_fcprojb := params.FeedFwdProjB.data[l*C:]
	// Activations
	l_ln1 := acts.Layer1Act.data[slot*B*T*C:]
	l_ln1_mean := acts.LayerNorm1Mean.data[slot*B*T:]
	l_ln1_rstd := acts.LayerNorm1Rstd.data[slot*B*T:]
	l_qkv := acts.QueryKeyVal.data[slot*B*T*3*C:]
	l_atty := acts.AttentionInter.data[slot*B*T*C:]
	l_preatt := acts.PreAttention.data[slot*B*NH*T*T:]
	l_att := acts.Attention.data[slot*B*NH*T*T:]
	l_attproj := acts.AttentionProj.data[slot*B*T*C:]
	l_residual2 := acts.Residual2.data[slot*B*T*C:]
	l_ln2 := acts.LayerNorm2Act.data[slot*B*T*C:]
	l_ln2_mean := acts.LayerNorm2Mean.data[slot*B*T:]
	l_ln2_rstd := acts.LayerNorm2Rstd.data[slot*B*T:]
	l_fch := acts.FeedForward.data[slot*B*T*4*C:]
	l_fch_gelu := acts.FeedForwardGelu.data[slot*B*T*4*C:]
	l_fcproj := acts.FeedForwardProj.data[slot*B*T*C:]
	l_residual3 := acts.Residual3.data[l*B*T*C:]
	// Here we normalise the layer so that the mean is 0 and the standard deviation is ~1.
	layernormForward(l_ln1, l_ln1_mean, l_ln1_rstd, residual, l_ln1w, l_ln1b, B, T, C)
	// project the normalised activations into query/key/value vectors
	matmulForward(l_qkv, l_ln1, l_qkvw, l_qkvb, B, T, C, 3*C)
	attentionForward(l_atty, l_preatt, l_att, l_qkv, B, T, C, NH, model.attentionScale(l))
	matmulForward(l_attproj, l_atty, l_attprojw, l_attprojb, B, T, C, C)
	residualForward(l_residual2, residual, l_attproj, B*T*C)
	layernormForward(l_ln2, l_ln2_mean, l_ln2_rstd, l_residual2, l_ln2w, l_ln2b, B, T, C)
	// Feedforward is just another layer of a multi layer perceptron to make the "higher level" connections.
	matmulForward(l_fch, l_ln2, l_fcw, l_fcb, B, T, C, 4*C)
	geluForward(l_fch_gelu, l_fch, B*T*4*C)
	matmulForward(l_fcproj, l_fch_gelu, l_fcprojw, l_fcprojb, B, T, 4*C, C)
	residualForward(l_residual3, l_residual2, l_fcproj, B*T*C)
}

// BackwardScaled accumulates into Grads the gradient of scale*MeanLoss. Gradient accumulation
// passes 1/steps so that the summed gradient matches the mean over all micro-batches.
func (model *GPT2) BackwardScaled(scale float32) error {
	// double check we forwarded previously, with targets
	if model.MeanLoss == -1.0 {
		return errors.New("error: must forward with targets before backward")
	}
	B, T, V, L, NH, C := model.B, model.T, model.Config.V, model.Config.L, model.Config.NH, model.Config.C
	// lazily allocate the memory for gradients of the weights and activations, if needed
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(V, C, model.Config.MaxSeqLen, L)
	}
	if len(model.GradsActs.Memory) == 0 {
		model.GradsActs.Init(B, C, T, L, NH, V)
	}
	for i := range model.GradsActs.Memory {
		model.GradsActs.Memory[i] = 0
	}
	params, grads, acts, gradsActs := model.Params, model.Grads, model.Acts, model.GradsActs
	// we kick off the chain by filling in dlosses with scale/(B*T), to get the mean loss
	dlossMean := scale / float32(B*T)
	for i := range gradsActs.Losses.data {
		gradsActs.Losses.data[i] = dlossMean
	}
	crossentropySoftmaxBackward(gradsActs.Logits.data, gradsActs.Losses.data, acts.Probabilities.data, model.Targets, B, T, V)
	matmulBackward(gradsActs.LayerNormFinal.data, grads.WordTokEmbed.data, nil, gradsActs.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]       // last layer's residual
	dresidual := gradsActs.Residual3.data[(L-1)*B*T*C:] // write to last layer's residual
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, gradsActs.LayerNormFinal.data, residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)
	upcast := model.Config.ReorderAndUpcastAttn
	for l := L - 1; l >= 0; l-- {
		slot := model.slot(l)
		if model.ActivationCheckpointing {
			model.layerForward(l, slot)
		}
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = gradsActs.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = gradsActs.Residual3.data[(l-1)*B*T*C:]
		}
		l_ln1w := params.LayerNorm1W.data[l*C:]
		l_qkvw := params.QueryKeyValW.data[l*3*C*C:]
		l_attprojw := params.AttProjW.data[l*C*C:]
		l_ln2w := params.Layer2NormW.data[l*C:]
		l_fcw := params.FeedFwdW.data[l*4*C*C:]
		l_fcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		// Gradients of weights
		dl_ln1w := grads.LayerNorm1W.data[l*C:]
		dl_ln1b := grads.LayerNorm1B.data[l*C:]
		dl_qkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dl_qkvb := grads.QueryKeyValB.data[l*3*C:]
		dl_attprojw := grads.AttProjW.data[l*C*C:]
		dl_attprojb := grads.AttProjB.data[l*C:]
		dl_ln2w := grads.Layer2NormW.data[l*C:]
		dl_ln2b := grads.Layer2NormB.data[l*C:]
		dl_fcw := grads.FeedFwdW.data[l*4*C*C:]
		dl_fcb := grads.FeedFwdB.data[l*4*C:]
		dl_fcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dl_fcprojb := grads.FeedFwdProjB.data[l*C:]
		// Activations
		l_ln1 := acts.Layer1Act.data[slot*B*T*C:]
		l_ln1_mean := acts.LayerNorm1Mean.data[slot*B*T:]
		l_ln1_rstd := acts.LayerNorm1Rstd.data[slot*B*T:]
		l_qkv := acts.QueryKeyVal.data[slot*B*T*3*C:]
		l_atty := acts.AttentionInter.data[slot*B*T*C:]
		l_att := acts.Attention.data[slot*B*NH*T*T:]
		l_residual2 := acts.Residual2.data[slot*B*T*C:]
		l_ln2 := acts.LayerNorm2Act.data[slot*B*T*C:]
		l_ln2_mean := acts.LayerNorm2Mean.data[slot*B*T:]
		l_ln2_rstd := acts.LayerNorm2Rstd.data[slot*B*T:]
		l_fch := acts.FeedForward.data[slot*B*T*4*C:]
		l_fch_gelu := acts.FeedForwardGelu.data[slot*B*T*4*C:]

		dl_ln1 := gradsActs.Layer1Act.data[l*B*T*C:]
		dl_qkv := gradsActs.QueryKeyVal.data[l*B*T*3*C:]
		dl_atty := gradsActs.AttentionInter.data[l*B*T*C:]
		dl_preatt := gradsActs.PreAttention.data[l*B*NH*T*T:]
		dl_att := gradsActs.Attention.data[l*B*NH*T*T:]
		dl_attproj := gradsActs.AttentionProj.data[l*B*T*C:]
		dl_residual2 := gradsActs.Residual2.data[l*B*T*C:]
		dl_ln2 := gradsActs.LayerNorm2Act.data[l*B*T*C:]
		dl_fch := gradsActs.FeedForward.data[l*B*T*4*C:]
		dl_fch_gelu := gradsActs.FeedForwardGelu.data[l*B*T*4*C:]
		dl_fcproj := gradsActs.FeedForwardProj.data[l*B*T*C:]
		dl_residual3 := gradsActs.Residual3.data[l*B*T*C:]
		residualBackward(dl_residual2, dl_fcproj, dl_residual3, B*T*C)
		matmulBackward(dl_fch_gelu, dl_fcprojw, dl_fcprojb, dl_fcproj, l_fch_gelu, l_fcprojw, B, T, 4*C, C)
		geluBackward(dl_fch, l_fch, dl_fch_gelu, B*T*4*C)
		matmulBackward(dl_ln2, dl_fcw, dl_fcb, dl_fch, l_ln2, l_fcw, B, T, C, 4*C)
		layernormBackward(dl_residual2, dl_ln2w, dl_ln2b, dl_ln2, l_residual2, l_ln2w, l_ln2_mean, l_ln2_rstd, B, T, C)
		residualBackward(dresidual, dl_attproj, dl_residual2, B*T*C)
		matmulBackward(dl_atty, dl_attprojw, dl_attprojb, dl_attproj, l_atty, l_attprojw, B, T, C, C)
		attentionBackward(dl_qkv, dl_preatt, dl_att, dl_atty, l_qkv, l_att, B, T, C, NH, model.attentionScale(l), upcast)
		matmulBackward(dl_ln1, dl_qkvw, dl_qkvb, dl_qkv, l_ln1, l_qkvw, B, T, C, 3*C)
		layernormBackward(dresidual, dl_ln1w, dl_ln1b, dl_ln1, residual, l_ln1w, l_ln1_mean, l_ln1_rstd, B, T, C)
	}
	// Here we want to apply our gradients to our encoded data.
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, gradsActs.Encoded.data, model.Inputs, B, T, C)
	return nil
}

// ZeroGradient clears the accumulated weight gradients.
func (model *GPT2) ZeroGradient() {
	for i := range model.GradsActs.Memory {
		model.GradsActs.Memory[i] = 0.0
	}
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] = 0.0
	}
}

// EnsureGradients allocates the gradient buffer if no backward pass has run yet.
func (model *GPT2) EnsureGradients() {
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(model.Config.V, model.Config.C, model.Config.MaxSeqLen, model.Config.L)
	}
}
