package audio

// AverageAmplitude decodes up to window samples from the start of payload and
// returns their mean absolute linear amplitude (0..32768). A window <= 0 uses
// the whole payload.
func AverageAmplitude(payload []byte, window int, codec Codec) float64 {
	n := len(payload) / codec.BytesPerSample()
	if window > 0 && window < n {
		n = window
	}
	if n == 0 {
		return 0
	}

	samples := codec.Decode(payload[:n*codec.BytesPerSample()])
	var sum float64
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// DurationMillis converts a payload size to milliseconds of audio
func DurationMillis(bytes int, codec Codec, sampleRate int) int {
	perMs := codec.BytesPerMillisecond(sampleRate)
	if perMs <= 0 {
		return 0
	}
	return int(float64(bytes) / perMs)
}
