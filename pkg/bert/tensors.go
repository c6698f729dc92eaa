package bert

// tensor is a wrapper around a slice of float32 values and a list of dimensions
type tensor struct {
	data []float32
	dims []int
}

// newTensor creates a new tensor with the given data and dimensions.
func newTensor(data []float32, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

// Len returns the number of elements of the tensor.
func (t tensor) Len() int {
	return len(t.data)
}

// slot pairs a tensor field with the dimensions it is laid out with.
type slot struct {
	t    *tensor
	dims []int
}

// layout carves memory into the slots in order and returns the backing slice.
func layout(slots []slot) []float32 {
	total := 0
	for _, s := range slots {
		n := 1
		for _, d := range s.dims {
			n *= d
		}
		total += n
	}
	memory := make([]float32, total)
	rest := memory
	for _, s := range slots {
		var n int
		*s.t, n = newTensor(rest, s.dims...)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		panic("tensor layout does not cover its memory")
	}
	return memory
}

// ParameterTensors are the parameters of the model. Encoder layer weights
// are stacked along a leading layer dimension L.
type ParameterTensors struct {
	Memory []float32

	WordEmbed tensor // (V, C) - also the decoder of the MLM head
	PosEmbed  tensor // (maxT, C)
	TypeEmbed tensor // (TV, C)
	EmbLnW    tensor // (C)
	EmbLnB    tensor // (C)

	QKVW    tensor // (L, 3*C, C) - query, key and value projections stacked
	QKVB    tensor // (L, 3*C)
	AttOutW tensor // (L, C, C)
	AttOutB tensor // (L, C)
	AttLnW  tensor // (L, C)
	AttLnB  tensor // (L, C)
	InterW  tensor // (L, I, C)
	InterB  tensor // (L, I)
	OutW    tensor // (L, C, I)
	OutB    tensor // (L, C)
	OutLnW  tensor // (L, C)
	OutLnB  tensor // (L, C)

	PoolerW tensor // (C, C)
	PoolerB tensor // (C)

	HeadW    tensor // (C, C) - MLM transform
	HeadB    tensor // (C)
	HeadLnW  tensor // (C)
	HeadLnB  tensor // (C)
	DecoderB tensor // (V)

	SeqRelW tensor // (2, C) - next sentence classifier
	SeqRelB tensor // (2)
}

// Init lays the parameters of a model with the given config out in one
// zeroed block of memory.
func (p *ParameterTensors) Init(cfg Config) {
	V, C, L, I := cfg.VocabSize, cfg.HiddenSize, cfg.NumHiddenLayers, cfg.IntermediateSize
	p.Memory = layout([]slot{
		{&p.WordEmbed, []int{V, C}},
		{&p.PosEmbed, []int{cfg.MaxPositionEmbeddings, C}},
		{&p.TypeEmbed, []int{cfg.TypeVocabSize, C}},
		{&p.EmbLnW, []int{C}},
		{&p.EmbLnB, []int{C}},
		{&p.QKVW, []int{L, 3 * C, C}},
		{&p.QKVB, []int{L, 3 * C}},
		{&p.AttOutW, []int{L, C, C}},
		{&p.AttOutB, []int{L, C}},
		{&p.AttLnW, []int{L, C}},
		{&p.AttLnB, []int{L, C}},
		{&p.InterW, []int{L, I, C}},
		{&p.InterB, []int{L, I}},
		{&p.OutW, []int{L, C, I}},
		{&p.OutB, []int{L, C}},
		{&p.OutLnW, []int{L, C}},
		{&p.OutLnB, []int{L, C}},
		{&p.PoolerW, []int{C, C}},
		{&p.PoolerB, []int{C}},
		{&p.HeadW, []int{C, C}},
		{&p.HeadB, []int{C}},
		{&p.HeadLnW, []int{C}},
		{&p.HeadLnB, []int{C}},
		{&p.DecoderB, []int{V}},
		{&p.SeqRelW, []int{2, C}},
		{&p.SeqRelB, []int{2}},
	})
}

// Len returns the number of parameters.
func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// layerParams are the weights of a single encoder layer.
type layerParams struct {
	qkvw, qkvb       []float32
	attoutw, attoutb []float32
	attlnw, attlnb   []float32
	interw, interb   []float32
	outw, outb       []float32
	outlnw, outlnb   []float32
}

// layer returns views of the weights of encoder layer l.
func (p *ParameterTensors) layer(l int, cfg Config) layerParams {
	C, I := cfg.HiddenSize, cfg.IntermediateSize
	return layerParams{
		qkvw:    p.QKVW.data[l*3*C*C : (l+1)*3*C*C],
		qkvb:    p.QKVB.data[l*3*C : (l+1)*3*C],
		attoutw: p.AttOutW.data[l*C*C : (l+1)*C*C],
		attoutb: p.AttOutB.data[l*C : (l+1)*C],
		attlnw:  p.AttLnW.data[l*C : (l+1)*C],
		attlnb:  p.AttLnB.data[l*C : (l+1)*C],
		interw:  p.InterW.data[l*I*C : (l+1)*I*C],
		interb:  p.InterB.data[l*I : (l+1)*I],
		outw:    p.OutW.data[l*C*I : (l+1)*C*I],
		outb:    p.OutB.data[l*C : (l+1)*C],
		outlnw:  p.OutLnW.data[l*C : (l+1)*C],
		outlnb:  p.OutLnB.data[l*C : (l+1)*C],
	}
}

// ActivationTensors hold every intermediate of a forward pass over a batch.
// They are laid out for the largest batch seen so far; smaller batches use
// a prefix of every tensor.
type ActivationTensors struct {
	Memory []float32

	EmbSum    tensor // (B, T, C) - word + position + type embeddings
	Embedded  tensor // (B, T, C) - after the embedding layer norm
	EmbLnMean tensor // (B, T)
	EmbLnRstd tensor // (B, T)

	QKV       tensor // (L, B, T, 3*C)
	PreAtt    tensor // (L, B, NH, T, T)
	Att       tensor // (L, B, NH, T, T)
	AttY      tensor // (L, B, T, C) - attention output before projection
	AttOut    tensor // (L, B, T, C)
	Residual1 tensor // (L, B, T, C)
	AttLn     tensor // (L, B, T, C)
	AttLnMean tensor // (L, B, T)
	AttLnRstd tensor // (L, B, T)
	Inter     tensor // (L, B, T, I)
	InterAct  tensor // (L, B, T, I) - after GELU
	Out       tensor // (L, B, T, C)
	Residual2 tensor // (L, B, T, C)
	OutLn     tensor // (L, B, T, C) - layer output
	OutLnMean tensor // (L, B, T)
	OutLnRstd tensor // (L, B, T)

	HeadDense  tensor // (B, T, C)
	HeadAct    tensor // (B, T, C)
	HeadLn     tensor // (B, T, C)
	HeadLnMean tensor // (B, T)
	HeadLnRstd tensor // (B, T)
	Logits     tensor // (B, T, V)
	Probs      tensor // (B, T, V)
	Losses     tensor // (B, T)

	Cls          tensor // (B, C) - hidden state of the first token
	PoolerPre    tensor // (B, C)
	Pooled       tensor // (B, C)
	SeqRelLogits tensor // (B, 2)
	SeqRelProbs  tensor // (B, 2)
	SeqRelLosses tensor // (B)
}

// Init lays the activations of a (B, T) batch out in one zeroed block.
func (a *ActivationTensors) Init(cfg Config, B, T int) {
	V, C, L, I, NH := cfg.VocabSize, cfg.HiddenSize, cfg.NumHiddenLayers, cfg.IntermediateSize, cfg.NumAttentionHeads
	a.Memory = layout([]slot{
		{&a.EmbSum, []int{B, T, C}},
		{&a.Embedded, []int{B, T, C}},
		{&a.EmbLnMean, []int{B, T}},
		{&a.EmbLnRstd, []int{B, T}},
		{&a.QKV, []int{L, B, T, 3 * C}},
		{&a.PreAtt, []int{L, B, NH, T, T}},
		{&a.Att, []int{L, B, NH, T, T}},
		{&a.AttY, []int{L, B, T, C}},
		{&a.AttOut, []int{L, B, T, C}},
		{&a.Residual1, []int{L, B, T, C}},
		{&a.AttLn, []int{L, B, T, C}},
		{&a.AttLnMean, []int{L, B, T}},
		{&a.AttLnRstd, []int{L, B, T}},
		{&a.Inter, []int{L, B, T, I}},
		{&a.InterAct, []int{L, B, T, I}},
		{&a.Out, []int{L, B, T, C}},
		{&a.Residual2, []int{L, B, T, C}},
		{&a.OutLn, []int{L, B, T, C}},
		{&a.OutLnMean, []int{L, B, T}},
		{&a.OutLnRstd, []int{L, B, T}},
		{&a.HeadDense, []int{B, T, C}},
		{&a.HeadAct, []int{B, T, C}},
		{&a.HeadLn, []int{B, T, C}},
		{&a.HeadLnMean, []int{B, T}},
		{&a.HeadLnRstd, []int{B, T}},
		{&a.Logits, []int{B, T, V}},
		{&a.Probs, []int{B, T, V}},
		{&a.Losses, []int{B, T}},
		{&a.Cls, []int{B, C}},
		{&a.PoolerPre, []int{B, C}},
		{&a.Pooled, []int{B, C}},
		{&a.SeqRelLogits, []int{B, 2}},
		{&a.SeqRelProbs, []int{B, 2}},
		{&a.SeqRelLosses, []int{B}},
	})
}

// layerActs are the activations of a single encoder layer.
type layerActs struct {
	qkv, preatt, att, atty, attout    []float32
	res1, attln, attlnMean, attlnRstd []float32
	inter, interAct, out, res2        []float32
	outln, outlnMean, outlnRstd       []float32
}

// layer returns views of the activations of encoder layer l for a batch of
// B sequences of length T.
func (a *ActivationTensors) layer(l, B, T int, cfg Config) layerActs {
	C, NH := cfg.HiddenSize, cfg.NumAttentionHeads
	BTC, BT, BTI := B*T*C, B*T, B*T*cfg.IntermediateSize
	att := B * NH * T * T
	return layerActs{
		qkv:       a.QKV.data[l*3*BTC : (l+1)*3*BTC],
		preatt:    a.PreAtt.data[l*att : (l+1)*att],
		att:       a.Att.data[l*att : (l+1)*att],
		atty:      a.AttY.data[l*BTC : (l+1)*BTC],
		attout:    a.AttOut.data[l*BTC : (l+1)*BTC],
		res1:      a.Residual1.data[l*BTC : (l+1)*BTC],
		attln:     a.AttLn.data[l*BTC : (l+1)*BTC],
		attlnMean: a.AttLnMean.data[l*BT : (l+1)*BT],
		attlnRstd: a.AttLnRstd.data[l*BT : (l+1)*BT],
		inter:     a.Inter.data[l*BTI : (l+1)*BTI],
		interAct:  a.InterAct.data[l*BTI : (l+1)*BTI],
		out:       a.Out.data[l*BTC : (l+1)*BTC],
		res2:      a.Residual2.data[l*BTC : (l+1)*BTC],
		outln:     a.OutLn.data[l*BTC : (l+1)*BTC],
		outlnMean: a.OutLnMean.data[l*BT : (l+1)*BT],
		outlnRstd: a.OutLnRstd.data[l*BT : (l+1)*BT],
	}
}
