// Package indicator enriches candle histories with technical-analysis
// columns. Enrich is a pure function: byte-equal inputs produce byte-equal
// output, and values are NaN only inside the warm-up window of each
// indicator. Strategies read the typed columns directly and must check
// Valid() before acting on a bar.
package indicator

import (
	"math"

	"spotbot/pkg/types"
)

// Default parameter set. These match the standard periods the strategies
// are written against; the Series field names are the stable identifiers.
const (
	rsiPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	bbPeriod     = 20
	bbStdDev     = 2.0
	adxPeriod    = 14
	stochPeriod  = 14
	stochSmooth  = 3
	atrPeriod    = 14
	rollPeriod   = 50
	volSMAPeriod = 20
)

// Series is a candle history decorated with indicator columns. All slices
// have equal length; index 0 is the oldest bar.
type Series struct {
	Time   []int64 // unix seconds of bar start
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64

	EMA20  []float64
	EMA50  []float64
	EMA200 []float64

	RSI []float64

	MACD       []float64
	MACDSignal []float64
	MACDHist   []float64

	BBUpper  []float64
	BBMiddle []float64
	BBLower  []float64
	BBWidth  []float64 // (upper−lower)/middle

	ADX     []float64
	PlusDI  []float64
	MinusDI []float64

	StochK []float64
	StochD []float64

	ATR []float64

	RollHigh []float64 // highest high of the prior rollPeriod bars
	RollLow  []float64 // lowest low of the prior rollPeriod bars

	VolSMA []float64 // 20-bar simple average volume
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Close) }

// Valid reports whether every column has a real value at index i.
func (s *Series) Valid(i int) bool {
	if i < 0 || i >= s.Len() {
		return false
	}
	for _, col := range [][]float64{
		s.EMA20, s.EMA50, s.EMA200, s.RSI, s.MACD, s.MACDSignal,
		s.BBUpper, s.BBMiddle, s.BBLower, s.ADX, s.StochK, s.StochD,
		s.ATR, s.RollHigh, s.RollLow, s.VolSMA,
	} {
		if math.IsNaN(col[i]) {
			return false
		}
	}
	return true
}

// WarmUp is the minimum number of bars before Valid can be true: the
// largest period (EMA200). Every other column, the ADX smoothing tail
// included, becomes valid earlier.
const WarmUp = 200

// Enrich decorates a candle sequence with all indicator columns.
func Enrich(candles []types.Candle) *Series {
	n := len(candles)
	s := &Series{
		Time:   make([]int64, n),
		Open:   make([]float64, n),
		High:   make([]float64, n),
		Low:    make([]float64, n),
		Close:  make([]float64, n),
		Volume: make([]float64, n),
	}
	for i, c := range candles {
		s.Time[i] = c.StartTime.Unix()
		s.Open[i] = c.Open.InexactFloat64()
		s.High[i] = c.High.InexactFloat64()
		s.Low[i] = c.Low.InexactFloat64()
		s.Close[i] = c.Close.InexactFloat64()
		s.Volume[i] = c.Volume.InexactFloat64()
	}

	s.EMA20 = ema(s.Close, 20)
	s.EMA50 = ema(s.Close, 50)
	s.EMA200 = ema(s.Close, 200)
	s.RSI = rsi(s.Close, rsiPeriod)
	s.MACD, s.MACDSignal, s.MACDHist = macd(s.Close, macdFast, macdSlow, macdSignal)
	s.BBUpper, s.BBMiddle, s.BBLower, s.BBWidth = bollinger(s.Close, bbPeriod, bbStdDev)
	s.ADX, s.PlusDI, s.MinusDI = adx(s.High, s.Low, s.Close, adxPeriod)
	s.StochK, s.StochD = stochastic(s.High, s.Low, s.Close, stochPeriod, stochSmooth)
	s.ATR = atr(s.High, s.Low, s.Close, atrPeriod)
	s.RollHigh = rollingMax(s.High, rollPeriod)
	s.RollLow = rollingMin(s.Low, rollPeriod)
	s.VolSMA = sma(s.Volume, volSMAPeriod)

	return s
}

func nans(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// sma is a simple moving average; NaN for the first period−1 bars.
func sma(values []float64, period int) []float64 {
	out := nans(len(values))
	if len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema seeds with the SMA of the first period bars, then applies the
// standard 2/(period+1) multiplier.
func ema(values []float64, period int) []float64 {
	out := nans(len(values))
	if len(values) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev
	mult := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*mult + prev
		out[i] = prev
	}
	return out
}

// rsi uses Wilder smoothing of average gains and losses.
func rsi(closes []float64, period int) []float64 {
	out := nans(len(closes))
	if len(closes) < period+1 {
		return out
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macd computes the fast−slow EMA difference, an EMA of that difference as
// the signal line, and their histogram.
func macd(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := ema(closes, fast)
	slowEMA := ema(closes, slow)
	line = nans(len(closes))
	for i := range closes {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			line[i] = fastEMA[i] - slowEMA[i]
		}
	}

	// Signal line: EMA over the valid portion of the MACD line.
	sig = nans(len(closes))
	start := slow - 1
	if start < len(line) {
		valid := line[start:]
		sigValid := ema(valid, signal)
		copy(sig[start:], sigValid)
	}

	hist = nans(len(closes))
	for i := range closes {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return line, sig, hist
}

func bollinger(closes []float64, period int, stdDev float64) (upper, middle, lower, width []float64) {
	middle = sma(closes, period)
	upper = nans(len(closes))
	lower = nans(len(closes))
	width = nans(len(closes))
	for i := period - 1; i < len(closes); i++ {
		mean := middle[i]
		var sumSq float64
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - mean
			sumSq += d * d
		}
		sd := math.Sqrt(sumSq / float64(period))
		upper[i] = mean + stdDev*sd
		lower[i] = mean - stdDev*sd
		if mean != 0 {
			width[i] = (upper[i] - lower[i]) / mean
		}
	}
	return upper, middle, lower, width
}

// trueRange for bar i (i >= 1).
func trueRange(high, low, closes []float64, i int) float64 {
	return math.Max(high[i]-low[i],
		math.Max(math.Abs(high[i]-closes[i-1]), math.Abs(low[i]-closes[i-1])))
}

// atr uses Wilder smoothing of the true range.
func atr(high, low, closes []float64, period int) []float64 {
	out := nans(len(closes))
	if len(closes) < period+1 {
		return out
	}
	var sum float64
	for i := 1; i <= period; i++ {
		sum += trueRange(high, low, closes, i)
	}
	prev := sum / float64(period)
	out[period] = prev
	for i := period + 1; i < len(closes); i++ {
		prev = (prev*float64(period-1) + trueRange(high, low, closes, i)) / float64(period)
		out[i] = prev
	}
	return out
}

// adx computes Wilder's directional movement system: smoothed ±DM over
// smoothed TR gives ±DI, and the smoothed DX of their difference gives ADX.
func adx(high, low, closes []float64, period int) (adxOut, plusDI, minusDI []float64) {
	n := len(closes)
	adxOut, plusDI, minusDI = nans(n), nans(n), nans(n)
	if n < 2*period+1 {
		return adxOut, plusDI, minusDI
	}

	var smTR, smPlusDM, smMinusDM float64
	for i := 1; i <= period; i++ {
		smTR += trueRange(high, low, closes, i)
		p, m := directionalMovement(high, low, i)
		smPlusDM += p
		smMinusDM += m
	}

	dx := nans(n)
	for i := period; i < n; i++ {
		if i > period {
			tr := trueRange(high, low, closes, i)
			p, m := directionalMovement(high, low, i)
			smTR = smTR - smTR/float64(period) + tr
			smPlusDM = smPlusDM - smPlusDM/float64(period) + p
			smMinusDM = smMinusDM - smMinusDM/float64(period) + m
		}
		if smTR == 0 {
			continue
		}
		plusDI[i] = 100 * smPlusDM / smTR
		minusDI[i] = 100 * smMinusDM / smTR
		sum := plusDI[i] + minusDI[i]
		if sum != 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		}
	}

	// ADX: Wilder-smoothed DX, seeded with the average of the first period DX values.
	var dxSum float64
	for i := period; i < 2*period; i++ {
		dxSum += dx[i]
	}
	prev := dxSum / float64(period)
	adxOut[2*period-1] = prev
	for i := 2 * period; i < n; i++ {
		prev = (prev*float64(period-1) + dx[i]) / float64(period)
		adxOut[i] = prev
	}
	return adxOut, plusDI, minusDI
}

func directionalMovement(high, low []float64, i int) (plusDM, minusDM float64) {
	up := high[i] - high[i-1]
	down := low[i-1] - low[i]
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return plusDM, minusDM
}

// stochastic computes raw %K over the lookback range and %D as its SMA.
func stochastic(high, low, closes []float64, period, smooth int) (k, d []float64) {
	n := len(closes)
	k = nans(n)
	for i := period - 1; i < n; i++ {
		hi, lo := high[i], low[i]
		for j := i - period + 1; j <= i; j++ {
			hi = math.Max(hi, high[j])
			lo = math.Min(lo, low[j])
		}
		if hi == lo {
			k[i] = 50
			continue
		}
		k[i] = 100 * (closes[i] - lo) / (hi - lo)
	}

	d = nans(n)
	start := period - 1
	if start < n {
		dValid := sma(k[start:], smooth)
		copy(d[start:], dValid)
	}
	return k, d
}

// rollingMax returns the highest value over the prior period bars,
// excluding the current bar — breakout detection compares the current
// close against the range it is breaking out of.
func rollingMax(values []float64, period int) []float64 {
	out := nans(len(values))
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			m = math.Max(m, values[j])
		}
		out[i] = m
	}
	return out
}

// rollingMin mirrors rollingMax for the low side.
func rollingMin(values []float64, period int) []float64 {
	out := nans(len(values))
	for i := period; i < len(values); i++ {
		m := values[i-period]
		for j := i - period + 1; j < i; j++ {
			m = math.Min(m, values[j])
		}
		out[i] = m
	}
	return out
}
