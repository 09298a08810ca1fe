package bot

import "arbtrader/internal/models"

// ValidTransitions определяет допустимые переходы между фазами цикла.
// В FAILED можно перейти из любой нетерминальной фазы.
var ValidTransitions = map[models.CyclePhase][]models.CyclePhase{
	models.PhaseInit:             {models.PhaseCancelOpenOrders, models.PhaseFailed},
	models.PhaseCancelOpenOrders: {models.PhaseTrailingBuy, models.PhaseFailed},
	models.PhaseTrailingBuy:      {models.PhaseAwaitingBuyFill, models.PhaseFailed},
	models.PhaseAwaitingBuyFill:  {models.PhaseAwaitingBalance, models.PhaseFailed},
	models.PhaseAwaitingBalance:  {models.PhasePreSellDelay, models.PhaseSelling, models.PhaseFailed},
	models.PhasePreSellDelay:     {models.PhaseSelling, models.PhaseFailed},
	models.PhaseSelling:          {models.PhaseAwaitingSellFill, models.PhaseFailed},
	models.PhaseAwaitingSellFill: {models.PhaseCompleted, models.PhaseFailed},
	models.PhaseCompleted:        {},
	models.PhaseFailed:           {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.CyclePhase) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, p := range allowed {
		if p == to {
			return true
		}
	}
	return false
}

// PhaseInfo возвращает описание фазы для оператора
func PhaseInfo(p models.CyclePhase) string {
	switch p {
	case models.PhaseInit:
		return "Запрос базового баланса"
	case models.PhaseCancelOpenOrders:
		return "Снятие открытых ордеров на площадке покупки"
	case models.PhaseTrailingBuy:
		return "Трейлинг лимитной покупки"
	case models.PhaseAwaitingBuyFill:
		return "Фиксация исполнения покупки"
	case models.PhaseAwaitingBalance:
		return "Ожидание стабильного баланса"
	case models.PhasePreSellDelay:
		return "Пауза перед продажей"
	case models.PhaseSelling:
		return "Рыночная продажа"
	case models.PhaseAwaitingSellFill:
		return "Ожидание исполнения продажи"
	case models.PhaseCompleted:
		return "Цикл завершён"
	case models.PhaseFailed:
		return "Цикл прерван! Проверьте остаток позиции"
	default:
		return "Неизвестная фаза"
	}
}

// HasExposureRisk - в фазе могут быть купленные, но не проданные активы
func HasExposureRisk(p models.CyclePhase) bool {
	switch p {
	case models.PhaseTrailingBuy, models.PhaseAwaitingBuyFill, models.PhaseAwaitingBalance,
		models.PhasePreSellDelay, models.PhaseSelling, models.PhaseAwaitingSellFill:
		return true
	}
	return false
}
