package llmgo

type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s],
		dims: dims,
	}, s
}

// ParameterTensors are the parameters of the model
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C) - Word/Token Embedding weights (Vocabulary size, Embedding dimension)
	WordPosEmbed  tensor // (maxT, C) - Positional Embedding weights (Maximum Sequence length, Embedding dimension)
	LayerNorm1W   tensor // (L, C) - Weights for Layer Normalization 1 (Number of layers, Embedding dimension)
	LayerNorm1B   tensor // (L, C) - Biases for Layer Normalization 1
	QueryKeyValW  tensor // (L, 3*C, C) - Attention QKV weights (Layers, 3 * Embedding dimension, Embedding dimension)
	QueryKeyValB  tensor // (L, 3*C) - Attention QKV biases
	AttProjW      tensor // (L, C, C) - Attention projection weights (Layers, Embedding dimension, Embedding dimension)
	AttProjB      tensor // (L, C) - Attention projection biases
	Layer2NormW   tensor // (L, C) - Weights for Layer Normalization 2
	Layer2NormB   tensor // (L, C) - Biases for Layer Normalization 2
	FeedFwdW      tensor // (L, 4*C, C) - Feed-forward layer weights (Layers, 4 * Embedding Dimension, Embedding Dimension)
	FeedFwdB      tensor // (L, 4*C) - Feed-forward layer biases
	FeedFwdProjW  tensor // (L, C, 4*C) - Feed-forward projection weights
	FeedFwdProjB  tensor // (L, C)- Feed-forward projection biases
	LayerFinNormW tensor // (C) - Final layer normalization weights
	LayerFinNormB tensor // (C) - Final layer normalization biases
}

// Init initialises the ParameterTensors with specific sizes for each tensor based on the model architecture.
func (tensor *ParameterTensors) Init(V, C, maxSeqLen, L int) {
	tensor.Bind(make([]float32, parameterCount(V, C, maxSeqLen, L)), V, C, maxSeqLen, L)
}

// Bind carves the named tensors out of memory without copying it. Replicas bind the same memory
// to share weights.
func (tensor *ParameterTensors) Bind(memory []float32, V, C, maxSeqLen, L int) {
	if len(memory) != parameterCount(V, C, maxSeqLen, L) {
		panic("parameter memory does not match the model shape")
	}
	tensor.Memory = memory
	var ptr int
	memPtr := tensor.Memory
	tensor.WordTokEmbed, ptr = newTensor(memPtr, V, C)
	memPtr = memPtr[ptr:]
	tensor.WordPosEmbed, ptr = newTensor(memPtr, maxSeqLen, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1W, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1B, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValW, ptr = newTensor(memPtr, L, 3*C, C)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyValB, ptr = newTensor(memPtr, L, 3*C)
	memPtr = memPtr[ptr:]
	tensor.AttProjW, ptr = newTensor(memPtr, L, C, C)
	memPtr = memPtr[ptr:]
	tensor.AttProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.Layer2NormW, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.Layer2NormB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdW, ptr = newTensor(memPtr, L, 4*C, C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdB, ptr = newTensor(memPtr, L, 4*C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjW, ptr = newTensor(memPtr, L, C, 4*C)
	memPtr = memPtr[ptr:]
	tensor.FeedFwdProjB, ptr = newTensor(memPtr, L, C)
	memPtr = memPtr[ptr:]
	tensor.LayerFinNormW, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	tensor.LayerFinNormB, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("something went real bad here")
	}
}

func (tensor *ParameterTensors) Len() int {
	return len(tensor.Memory)
}

// NoDecay reports, for each element of Memory, whether it belongs to a bias or a layer norm
// weight. Those parameters are excluded from weight decay.
func (pt *ParameterTensors) NoDecay() []bool {
	mask := make([]bool, len(pt.Memory))
	offset := 0
	for _, t := range []struct {
		t       tensor
		noDecay bool
	}{
		{pt.WordTokEmbed, false},
		{pt.WordPosEmbed, false},
		{pt.LayerNorm1W, true},
		{pt.LayerNorm1B, true},
		{pt.QueryKeyValW, false},
		{pt.QueryKeyValB, true},
		{pt.AttProjW, false},
		{pt.AttProjB, true},
		{pt.Layer2NormW, true},
		{pt.Layer2NormB, true},
		{pt.FeedFwdW, false},
		{pt.FeedFwdB, true},
		{pt.FeedFwdProjW, false},
		{pt.FeedFwdProjB, true},
		{pt.LayerFinNormW, true},
		{pt.LayerFinNormB, true},
	} {
		n := len(t.t.data)
		if t.noDecay {
			for i := offset; i < offset+n; i++ {
				mask[i] = true
			}
		}
		offset += n
	}
	return mask
}

func parameterCount(V, C, maxSeqLen, L int) int {
	return V*C + // WordTokEmbed
		maxSeqLen*C + // WordPosEmbed
		L*C + // LayerNorm1W
		L*C + // LayerNorm1B
		L*3*C*C + // QueryKeyValW
		L*3*C + // QueryKeyValB
		L*C*C + // AttProjW
		L*C + // AttProjB
		L*C + // Layer2NormW
		L*C + // Layer2NormB
		L*4*C*C + // FeedFwdW
		L*4*C + // FeedFwdB
		L*C*4*C + // FeedFwdProjW
		L*C + // FeedFwdProjB
		C + // LayerFinNormW
		C // LayerFinNormB
}

// ActivationTensors
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C) - Initial encoded input representations (Batch size, Sequence length, Embedding dimension)
	Layer1Act          tensor // (S, B, T, C) - Activations after Layer Normalization 1
	LayerNorm1Mean     tensor // (S, B, T) - Mean values for Layer Normalization 1
	LayerNorm1Rstd     tensor // (S, B, T) - Reciprocal of standard deviation for Layer Normalization 1
	QueryKeyVal        tensor // (S, B, T, 3*C) - Combined Query, Key, Value representations for attention
	AttentionInter     tensor // (S, B, T, C) - Intermediate attention-like result
	PreAttention       tensor // (S, B, NH, T, T) - Pre-attention scores
	Attention          tensor // (S, B, NH, T, T) - Normalized attention weights
	AttentionProj      tensor // (S, B, T, C) - Projected attention outputs
	Residual2          tensor // (S, B, T, C) - Residual connection after attention
	LayerNorm2Act      tensor // (S, B, T, C) - Activations after Layer Normalization 2
	LayerNorm2Mean     tensor // (S, B, T) - Mean values for Layer Normalization 2
	LayerNorm2Rstd     tensor // (S, B, T) - Reciprocal of standard deviation for Layer Normalization 2
	FeedForward        tensor // (S, B, T, 4*C) - Intermediate Feed-Forward Network activations
	FeedForwardGelu    tensor // (S, B, T, 4*C) - FeedForward activations after applying GELU (non-linearity)
	FeedForwardProj    tensor // (S, B, T, C) - Projected output of the Feed-Forward Network
	Residual3          tensor // (L, B, T, C) - Residual connection after Feed-Forward Network, always kept for every layer
	LayerNormFinal     tensor // (B, T, C) - Final activations after Layer Normalization
	LayerNormFinalMean tensor // (B, T) - Mean values for final Layer Normalization
	LayerNormFinalStd  tensor // (B, T) - Reciprocal of standard deviation for final Layer Normalization
	Logits             tensor // (B, T, V) - Raw output scores (before softmax)
	Probabilities      tensor // (B, T, V) - Softmax probabilities over the vocabulary
	Losses             tensor // (B, T) - Loss values per token in the batch

	// Slots is the number of layers whose intermediate activations are held at once (S above).
	// It is L normally and 1 when activations are recomputed layer by layer during the backward pass.
	Slots int
}

func (tensor *ActivationTensors) Init(B, C, T, L, NH, V int) {
	tensor.init(B, C, T, L, NH, V, L)
}

// InitCheckpointed allocates a single layer of intermediate activations plus the residual
// stream of every layer.
func (tensor *ActivationTensors) InitCheckpointed(B, C, T, L, NH, V int) {
	tensor.init(B, C, T, L, NH, V, 1)
}

func (tensor *ActivationTensors) init(B, C, T, L, NH, V, S int) {
	tensor.Slots = S
	tensor.Memory = make([]float32,
		B*T*C+
			S*B*T*C+
			S*B*T+
			S*B*T+
			S*B*T*C*3+
			S*B*T*C+
			S*B*NH*T*T+
			S*B*NH*T*T+
			S*B*T*C+
			S*B*T*C+
			S*B*T*C+
			S*B*T+
			S*B*T+
			S*B*T*C*4+
			S*B*T*C*4+
			S*B*T*C+
			L*B*T*C+
			B*T*C+
			B*T+
			B*T+
			B*T*V+
			B*T*V+
			B*T)
	var ptr int
	memPtr := tensor.Memory
	tensor.Encoded, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Layer1Act, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1Mean, ptr = newTensor(memPtr, S, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm1Rstd, ptr = newTensor(memPtr, S, B, T)
	memPtr = memPtr[ptr:]
	tensor.QueryKeyVal, ptr = newTensor(memPtr, S, B, T, C*3)
	memPtr = memPtr[ptr:]
	tensor.AttentionInter, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.PreAttention, ptr = newTensor(memPtr, S, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.Attention, ptr = newTensor(memPtr, S, B, NH, T, T)
	memPtr = memPtr[ptr:]
	tensor.AttentionProj, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual2, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Act, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Mean, ptr = newTensor(memPtr, S, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNorm2Rstd, ptr = newTensor(memPtr, S, B, T)
	memPtr = memPtr[ptr:]
	tensor.FeedForward, ptr = newTensor(memPtr, S, B, T, C*4)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardGelu, ptr = newTensor(memPtr, S, B, T, C*4)
	memPtr = memPtr[ptr:]
	tensor.FeedForwardProj, ptr = newTensor(memPtr, S, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.Residual3, ptr = newTensor(memPtr, L, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinal, ptr = newTensor(memPtr, B, T, C)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinalMean, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.LayerNormFinalStd, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	tensor.Logits, ptr = newTensor(memPtr, B, T, V)
	memPtr = memPtr[ptr:]
	tensor.Probabilities, ptr = newTensor(memPtr, B, T, V)
	memPtr = memPtr[ptr:]
	tensor.Losses, ptr = newTensor(memPtr, B, T)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("something went real bad here")
	}
}
