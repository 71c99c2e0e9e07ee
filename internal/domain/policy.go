package domain

import (
	"strings"
	"time"
)

// CoverageTier задаёт уровень покрытия полиса.
type CoverageTier int

const (
	// CoverageTierBasic: базовое покрытие (медицинские расходы).
	CoverageTierBasic CoverageTier = 1
	// CoverageTierStandard: базовое покрытие плюс багаж и отмена поездки.
	CoverageTierStandard CoverageTier = 2
	// CoverageTierPremium: расширенное покрытие, включая активный отдых.
	CoverageTierPremium CoverageTier = 3
)

// Valid проверяет, что уровень покрытия входит в поддерживаемый набор.
func (t CoverageTier) Valid() bool {
	switch t {
	case CoverageTierBasic, CoverageTierStandard, CoverageTierPremium:
		return true
	default:
		return false
	}
}

// TariffID возвращает идентификатор тарифа у страховщика для уровня покрытия.
func (t CoverageTier) TariffID() string {
	switch t {
	case CoverageTierBasic:
		return "travel-basic"
	case CoverageTierStandard:
		return "travel-standard"
	case CoverageTierPremium:
		return "travel-premium"
	default:
		return ""
	}
}

// Traveler описывает застрахованного путешественника.
type Traveler struct {
	FirstName      string
	LastName       string
	BirthDate      time.Time
	PassportNumber string
	Citizenship    string
}

// Destination описывает направление поездки.
type Destination struct {
	// CountryCode: ISO 3166-1 alpha-2 код страны.
	CountryCode string
	Region      string
}

// Policy: купленный страховой полис. После checkout не изменяется,
// жизненный цикл выражается только через журнал событий.
type Policy struct {
	ID           string
	AccountID    string
	StartDate    time.Time
	EndDate      time.Time
	CoverageTier CoverageTier
	PriceMinor   int64
	Currency     string
	Travelers    []Traveler
	Destination  Destination
	CreatedAt    time.Time
}

// Validate проверяет инварианты полиса и возвращает все найденные нарушения.
func (p *Policy) Validate() []error {
	var errs []error

	if strings.TrimSpace(p.AccountID) == "" {
		errs = append(errs, ErrAccountRequired)
	}
	if strings.TrimSpace(p.Currency) == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if p.PriceMinor < 0 {
		errs = append(errs, ErrPriceNegative)
	}
	if p.StartDate.IsZero() || p.EndDate.IsZero() || !p.EndDate.After(p.StartDate) {
		errs = append(errs, ErrDateRangeInvalid)
	}
	if !p.CoverageTier.Valid() {
		errs = append(errs, ErrCoverageTierInvalid)
	}
	if strings.TrimSpace(p.Destination.CountryCode) == "" {
		errs = append(errs, ErrDestinationRequired)
	}
	if len(p.Travelers) == 0 {
		errs = append(errs, ErrTravelersRequired)
	}
	for _, traveler := range p.Travelers {
		if strings.TrimSpace(traveler.FirstName) == "" || strings.TrimSpace(traveler.LastName) == "" {
			errs = append(errs, ErrTravelerNameRequired)
		}
		if strings.TrimSpace(traveler.PassportNumber) == "" {
			errs = append(errs, ErrTravelerPassportRequired)
		}
	}

	return errs
}
