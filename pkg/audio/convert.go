package audio

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit samples by
// scaling by 32768. Values outside the representable range are clamped to
// [-32768, 32767], so a full-scale +1.0 maps to 32767 rather than wrapping.
func FloatToPCM16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		out[i] = floatToSample(f)
	}
	return out
}

// AppendFloatPCM16 is like [FloatToPCM16] but appends to dst, letting capture
// loops reuse their staging buffer.
func AppendFloatPCM16(dst []int16, in []float32) []int16 {
	for _, f := range in {
		dst = append(dst, floatToSample(f))
	}
	return dst
}

func floatToSample(f float32) int16 {
	v := float64(f) * 32768
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	case v != v: // NaN
		return 0
	}
	return int16(v)
}

// PCM16ToFloat converts signed 16-bit samples to floats in [-1, 1).
func PCM16ToFloat(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// DownmixStereo averages interleaved L/R pairs into mono. A trailing odd
// sample is ignored.
func DownmixStereo(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		// int32 sum cannot overflow and the average always fits int16.
		out[i] = int16((int32(in[2*i]) + int32(in[2*i+1])) / 2)
	}
	return out
}

// ResampleMono resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Equal rates return the input unchanged.
func ResampleMono(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) < 2 {
		return in
	}
	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := in[idx]
		s1 := s0
		if idx+1 < len(in) {
			s1 = in[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
