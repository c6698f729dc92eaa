package torch

import (
	"math"

	"github.com/sourcegraph/conc"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const (
	// IgnoreIndex marks a target position that does not contribute to the loss.
	IgnoreIndex int32 = -100
	// maskedScore is the pre-attention score written for padded keys.
	maskedScore float32 = -10000.0
)

var (
	GELUSCALEFACTOR = Sqrt(2.0 / math.Pi)
	invSqrt2        = float32(1.0 / math.Sqrt2)
	invSqrt2Pi      = float32(1.0 / math.Sqrt(2.0*math.Pi))
)

// Cosh returns the hyperbolic cosine of x.
func Cosh(x float32) float32 {
	return float32(math.Cosh(float64(x)))
}

// Tanh returns the hyperbolic tangent of x aka the tanh function of x.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Erf returns the error function of x.
func Erf(x float32) float32 {
	return float32(math.Erf(float64(x)))
}

// Exp returns e**x aka the exponential function of x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x aka the logarithm function of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// IsFinite reports whether f is neither NaN nor an infinity.
func IsFinite(f float32) bool {
	return !math.IsNaN(float64(f)) && !math.IsInf(float64(f), 0)
}

// Pow returns x**y aka the power function of x and y.
func Pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

// Sqrt returns the square root of x aka the square root function of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// EncoderForward iterates through the batch/sequence and sums the word token,
// position and token type embeddings of every position.
//
// Parameters:
//   - out: output activations (B,T,C)
//   - inp: input token ids (B,T), each an index within wte
//   - types: token type (segment) ids (B,T); nil means every position is segment 0
//   - wte: word token embeddings (V,C)
//   - wpe: word position embeddings (maxT,C)
//   - wtt: token type embeddings (TV,C)
func EncoderForward(out []float32, inp, types []int32, wte, wpe, wtt []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			wteIx := wte[int(inp[b*T+t])*C:]
			wpeT := wpe[t*C:]
			var typ int
			if types != nil {
				typ = int(types[b*T+t])
			}
			wttIx := wtt[typ*C:]
			for i := 0; i < C; i++ {
				outBT[i] = wteIx[i] + wpeT[i] + wttIx[i]
			}
		}
	}
}

// EncoderBackward accumulates the embedding gradients.
//
// Rows of dwte belonging to padID receive no gradient, so the padding
// embedding keeps its initial value. A negative padID disables that.
func EncoderBackward(dwte, dwpe, dwtt, dout []float32, inp, types []int32, padID int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			ix := inp[b*T+t]
			dwpeT := dwpe[t*C:]
			var typ int
			if types != nil {
				typ = int(types[b*T+t])
			}
			dwttIx := dwtt[typ*C:]
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwpeT[i] += d
				dwttIx[i] += d
			}
			if ix == padID {
				continue
			}
			dwteIx := dwte[int(ix)*C:]
			for i := 0; i < C; i++ {
				dwteIx[i] += doutBT[i]
			}
		}
	}
}

// LayernormForward normalizes the activations of every (b,t) position.
// Reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
// Parameters:
//   - out: output activations (B,T,C)
//   - mean: mean values (B,T) for each position (b,t)
//   - rstd: reciprocal standard deviations (B,T) for each position (b,t)
//   - inp: input activations (B,T,C)
//   - weight: learnable weight (C) for scaling
//   - bias: learnable bias (C) for shifting
//   - eps: added to the variance before the square root
func LayernormForward(out, mean, rstd, inp, weight, bias []float32, eps float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float32
			for i := 0; i < C; i++ {
				m += x[i]
			}
			m /= float32(C)
			var v float32
			for i := 0; i < C; i++ {
				xshift := x[i] - m
				v += xshift * xshift
			}
			v /= float32(C)
			s := 1.0 / Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (x[i] - m)
				outBT[i] = n*weight[i] + bias[i]
			}
			mean[b*T+t] = m
			rstd[b*T+t] = s
		}
	}
}

// LayernormBackward accumulates the gradients of a layer normalization.
func LayernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI
				dval -= dnormMean
				dval -= normBTI * dnormNormMean
				dval *= rstdBT
				dinpBT[i] += dval
			}
		}
	}
}

// MatmulForward performs matrix multiplication and adds bias.
//
// out[b,t,o] = bias[o] + sum_i inp[b,t,i] * weight[o,i]
//
// Parameters:
//   - out: output matrix (B,T,OC)
//   - inp: input matrix (B,T,C)
//   - weight: weight matrix (OC,C), the layout of a torch Linear layer
//   - bias: bias vector (OC), may be nil
//   - C: input dimension (number of features)
//   - OC: number of output channels
func MatmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	N := B * T
	var beta float32
	if bias != nil {
		for n := 0; n < N; n++ {
			copy(out[n*OC:n*OC+OC], bias[:OC])
		}
		beta = 1
	}
	blas32.Gemm(
		blas.NoTrans, blas.Trans,
		1,
		blas32.General{Rows: N, Cols: C, Stride: C, Data: inp},
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight},
		beta,
		blas32.General{Rows: N, Cols: OC, Stride: OC, Data: out},
	)
}

// MatmulBackward accumulates the gradients of MatmulForward into dinp,
// dweight and dbias. dinp and dbias may be nil.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	N := B * T
	gradOut := blas32.General{Rows: N, Cols: OC, Stride: OC, Data: dout}
	if dinp != nil {
		blas32.Gemm(
			blas.NoTrans, blas.NoTrans,
			1,
			gradOut,
			blas32.General{Rows: OC, Cols: C, Stride: C, Data: weight},
			1,
			blas32.General{Rows: N, Cols: C, Stride: C, Data: dinp},
		)
	}
	blas32.Gemm(
		blas.Trans, blas.NoTrans,
		1,
		gradOut,
		blas32.General{Rows: N, Cols: C, Stride: C, Data: inp},
		1,
		blas32.General{Rows: OC, Cols: C, Stride: C, Data: dweight},
	)
	if dbias == nil {
		return
	}
	for n := 0; n < N; n++ {
		doutN := dout[n*OC:]
		for o := 0; o < OC; o++ {
			dbias[o] += doutN[o]
		}
	}
}

// visible reports whether key position t2 of batch row b takes part in attention.
func visible(mask []int32, b, T, t2 int) bool {
	return mask == nil || mask[b*T+t2] != 0
}

// AttentionForward performs the bidirectional multi-head attention forward pass.
//
// Every query position attends to every key position of its sequence whose
// mask entry is non-zero; padded keys get zero attention weight.
//
// Parameters:
//   - out: output matrix (B,T,C)
//   - preatt: pre-attention scores (B,NH,T,T)
//   - att: post-attention scores (B,NH,T,T)
//   - inp: input matrix (B,T,3C) holding Query, Key, Value vectors
//   - mask: attention mask (B,T), 1 for real tokens and 0 for padding; nil attends everywhere
//   - NH: number of attention heads
func AttentionForward(out, preatt, att, inp []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / Sqrt(float32(hs))
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Go(func() {
				for t := 0; t < T; t++ {
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBth := preatt[b*NH*T*T+h*T*T+t*T:]
					attBth := att[b*NH*T*T+h*T*T+t*T:]

					maxval := Inf(-1)
					for t2 := 0; t2 < T; t2++ {
						if !visible(mask, b, T, t2) {
							preattBth[t2] = maskedScore
							continue
						}
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float32
						for i := 0; i < hs; i++ {
							val += queryT[i] * keyT2[i]
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBth[t2] = val
					}

					var expsum float32
					for t2 := 0; t2 < T; t2++ {
						if !visible(mask, b, T, t2) {
							attBth[t2] = 0
							continue
						}
						expv := Exp(preattBth[t2] - maxval)
						expsum += expv
						attBth[t2] = expv
					}
					var expsumInv float32
					if expsum != 0.0 {
						expsumInv = 1.0 / expsum
					}
					for t2 := 0; t2 < T; t2++ {
						attBth[t2] *= expsumInv
					}

					outBth := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBth[i] = 0.0
					}
					for t2 := 0; t2 < T; t2++ {
						a := attBth[t2]
						if a == 0 {
							continue
						}
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						for i := 0; i < hs; i++ {
							outBth[i] += a * valueT2[i]
						}
					}
				}
			})
		}
	}
	wg.Wait()
}

// AttentionBackward performs the backward pass of AttentionForward.
//
// Parameters:
//   - dinp: gradient of the input matrix (B,T,3C)
//   - dpreatt: gradient of the pre-attention matrix (B,NH,T,T)
//   - datt: gradient of the attention matrix (B,NH,T,T)
//   - dout: gradient of the output matrix (B,T,C)
//   - inp: input matrix (B,T,3C)
//   - att: attention matrix (B,NH,T,T)
//   - mask: the attention mask given to the forward pass
func AttentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, mask []int32, B, T, C, NH int) {
	C3 := C * 3
	headSize := C / NH
	scale := 1.0 / Sqrt(float32(headSize))
	// Each (b,h) pair only touches its own head columns of dinp.
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Go(func() {
				for t := 0; t < T; t++ {
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
					dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
					dqueryT := dinp[b*T*C3+t*C3+h*headSize:]
					queryT := inp[b*T*C3+t*C3+h*headSize:]
					doutBTH := dout[b*T*C+t*C+h*headSize:]

					// value accumulation
					for t2 := 0; t2 < T; t2++ {
						if !visible(mask, b, T, t2) {
							continue
						}
						valueT2 := inp[b*T*C3+t2*C3+h*headSize+C*2:]
						dvalueT2 := dinp[b*T*C3+t2*C3+h*headSize+C*2:]
						for i := 0; i < headSize; i++ {
							dattBTH[t2] += valueT2[i] * doutBTH[i]
							dvalueT2[i] += attBTH[t2] * doutBTH[i]
						}
					}
					// softmax
					for t2 := 0; t2 < T; t2++ {
						if !visible(mask, b, T, t2) {
							continue
						}
						for t3 := 0; t3 < T; t3++ {
							if !visible(mask, b, T, t3) {
								continue
							}
							var indicator float32
							if t2 == t3 {
								indicator = 1.0
							}
							localDerivative := attBTH[t2] * (indicator - attBTH[t3])
							dpreattBTH[t3] += localDerivative * dattBTH[t2]
						}
					}
					// query @ key
					for t2 := 0; t2 < T; t2++ {
						if !visible(mask, b, T, t2) {
							continue
						}
						keyT2 := inp[b*T*C3+t2*C3+h*headSize+C:]
						dkeyT2 := dinp[b*T*C3+t2*C3+h*headSize+C:]
						for i := 0; i < headSize; i++ {
							dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
							dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
						}
					}
				}
			})
		}
	}
	wg.Wait()
}

// GeluForward is the tanh approximation of the Gaussian Error Linear Unit.
//
// Paper: https://arxiv.org/abs/1606.08415v5
func GeluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		out[i] = 0.5 * x * (1.0 + Tanh(GELUSCALEFACTOR*(x+cube)))
	}
}

// GeluBackward computes the backward pass of the tanh approximated GeLU.
func GeluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cube := 0.044715 * x * x * x
		tanhArg := GELUSCALEFACTOR * (x + cube)
		tanhOut := Tanh(tanhArg)
		coshfOut := Cosh(tanhArg)
		sechOut := 1.0 / (coshfOut * coshfOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*GELUSCALEFACTOR*(1.0+3.0*0.044715*x*x)
		dinp[i] += localGrad * dout[i]
	}
}

// GeluExactForward is the erf form of GeLU, x * Phi(x).
func GeluExactForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		out[i] = 0.5 * x * (1.0 + Erf(x*invSqrt2))
	}
}

// GeluExactBackward computes the backward pass of GeluExactForward.
func GeluExactBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := inp[i]
		cdf := 0.5 * (1.0 + Erf(x*invSqrt2))
		pdf := invSqrt2Pi * Exp(-0.5*x*x)
		dinp[i] += (cdf + x*pdf) * dout[i]
	}
}

// TanhForward applies tanh element-wise.
func TanhForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = Tanh(inp[i])
	}
}

// TanhBackward accumulates the tanh gradient given the forward output.
func TanhBackward(dinp, out, dout []float32, n int) {
	for i := 0; i < n; i++ {
		y := out[i]
		dinp[i] += (1.0 - y*y) * dout[i]
	}
}

// ResidualForward performs a residual connection between two inputs.
//
// out = inp1 + inp2
func ResidualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

// ResidualBackward calculates the backward pass of the residual connection.
func ResidualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// SoftmaxForward calculates the softmax over the last dimension of logits (B,T,V).
func SoftmaxForward(probs, logits []float32, B, T, V int) {
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		wg.Go(func() {
			for t := 0; t < T; t++ {
				baseIndex := b*T*V + t*V
				logitsBT := logits[baseIndex : baseIndex+V]
				probsBT := probs[baseIndex : baseIndex+V]
				maxval := Inf(-1)
				for i := 0; i < V; i++ {
					if logitsBT[i] > maxval {
						maxval = logitsBT[i]
					}
				}
				var sum float32
				for i := 0; i < V; i++ {
					probsBT[i] = Exp(logitsBT[i] - maxval)
					sum += probsBT[i]
				}
				for i := 0; i < V; i++ {
					probsBT[i] /= sum
				}
			}
		})
	}
	wg.Wait()
}

// CrossEntropyForward calculates the per position cross entropy loss.
//
// Positions whose target is IgnoreIndex get a loss of zero. It returns the
// number of positions that were scored.
func CrossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) int {
	var scored int
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := targets[b*T+t]
			if ix == IgnoreIndex {
				losses[b*T+t] = 0
				continue
			}
			prob := probs[b*T*V+t*V+int(ix)]
			losses[b*T+t] = -Log(prob)
			scored++
		}
	}
	return scored
}

// CrossentropySoftmaxBackward calculates the gradient of the cross entropy
// loss with respect to the logits. Positions targeting IgnoreIndex are skipped.
func CrossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := targets[b*T+t]
			if ix == IgnoreIndex {
				continue
			}
			baseIndex := b*T*V + t*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[b*T+t]
			for i := 0; i < V; i++ {
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (probsBT[i] - indicator) * dloss
			}
		}
	}
}

// Argmax writes the index of the largest value of every row of x (N,V) to out.
func Argmax(out []int32, x []float32, N, V int) {
	for n := 0; n < N; n++ {
		row := x[n*V : n*V+V]
		best := 0
		for i := 1; i < V; i++ {
			if row[i] > row[best] {
				best = i
			}
		}
		out[n] = int32(best)
	}
}

// GradNorm returns the L2 norm of g.
func GradNorm(g []float32) float32 {
	return blas32.Nrm2(blas32.Vector{N: len(g), Inc: 1, Data: g})
}

// ClipGradNorm rescales g in place so that its L2 norm is at most maxNorm.
// It returns the norm measured before clipping.
func ClipGradNorm(g []float32, maxNorm float32) float32 {
	norm := GradNorm(g)
	if maxNorm <= 0 || !IsFinite(norm) {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		blas32.Scal(coef, blas32.Vector{N: len(g), Inc: 1, Data: g})
	}
	return norm
}
