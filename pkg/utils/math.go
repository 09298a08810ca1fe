package utils

import (
	"math"
	"strconv"
	"strings"
)

// math.go - математические утилиты для торговых операций
//
// Все функции чистые, без побочных эффектов.
//
// Функции:
// - RoundToLotSize: усечение объёма до шага биржи (никогда не вверх)
// - RoundToTick: округление цены до шага цены
// - MidPrice, SpreadPct, DeviationPct: ценовые метрики
// - CalculateWeightedAverage: средневзвешенная цена

// lotPrecision - знаков после запятой, до которых значение очищается от шума float64
// перед усечением: 0.3/0.1 = 2.9999999999999996, 1.0001-1.0 = 0.00009999999999998899.
// Количества площадок приходят десятичными строками с меньшим числом знаков.
const lotPrecision = 10

// QtyEpsilon - допуск сравнения количеств, очищенных до lotPrecision
const QtyEpsilon = 1e-10

// RoundToLotSize усекает значение ВНИЗ до ближайшего кратного lotSize.
//
// Усечение идёт в десятичной записи: значение форматируется с lotPrecision знаками,
// лишние разряды отбрасываются. Результат не превышает value больше чем на QtyEpsilon,
// поэтому нельзя продать больше, чем есть.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(0.3, 0.1) = 0.3
//   - RoundToLotSize(1.0001-1.0, 0.00001) = 0.0001
//   - Если lotSize <= 0, возвращает value
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	if value <= 0 {
		return 0
	}

	decimals := StepDecimals(lotSize)
	if decimals > lotPrecision {
		decimals = lotPrecision
	}

	s := strconv.FormatFloat(value, 'f', lotPrecision, 64)
	whole, frac, _ := strings.Cut(s, ".")
	units, err := strconv.ParseInt(whole+frac[:decimals], 10, 64)
	if err != nil {
		// за пределами int64
		return math.Floor(value/lotSize) * lotSize
	}

	scale := math.Pow10(decimals)
	if step := int64(math.Round(lotSize * scale)); step > 1 {
		units -= units % step
	}
	return float64(units) / scale
}

// RoundToTick округляет цену к ближайшему кратному tickSize
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return roundDecimals(math.Round(price/tickSize)*tickSize, StepDecimals(tickSize))
}

// StepDecimals возвращает количество знаков после запятой у шага (0.001 -> 3)
func StepDecimals(step float64) int {
	if step <= 0 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func roundDecimals(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// MidPrice - середина между лучшими bid и ask
func MidPrice(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// SpreadPct - внутренний спред котировки в процентах от mid.
// Формула: (ask - bid) / mid * 100. При mid <= 0 возвращает 0.
func SpreadPct(bid, ask float64) float64 {
	mid := MidPrice(bid, ask)
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 100
}

// DeviationPct - относительное отклонение midOther от midBase в процентах.
//
//	(midOther - midBase) / midBase * 100
//
// Пример: DeviationPct(50050, 50250) ≈ 0.3996
func DeviationPct(midBase, midOther float64) float64 {
	if midBase <= 0 {
		return 0
	}
	return (midOther - midBase) / midBase * 100
}

// CalculateWeightedAverage - средневзвешенное значение (VWAP для частичных исполнений).
// Возвращает 0 при пустых/несогласованных входах или нулевой сумме весов.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	var sumWeighted, sumWeights float64
	for i := range values {
		if weights[i] < 0 {
			continue
		}
		sumWeighted += values[i] * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 {
		return 0
	}
	return sumWeighted / sumWeights
}

// Abs возвращает абсолютное значение
func Abs(x float64) float64 {
	return math.Abs(x)
}

// Min возвращает меньшее из двух чисел
func Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Max возвращает большее из двух чисел
func Max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
