package domain

import "fmt"

type MainCategory string

const (
	MainMedication  MainCategory = "MEDICATION"
	MainVaccination MainCategory = "VACCINATION"
	MainCare        MainCategory = "CARE"
)

type SubCategory string

const (
	SubPill        SubCategory = "PILL"
	SubSupplement  SubCategory = "SUPPLEMENT"
	SubVaccination SubCategory = "VACCINATION"
	SubCheckup     SubCategory = "CHECKUP"
	SubWalk        SubCategory = "WALK"
	SubGrooming    SubCategory = "GROOMING"
	SubBirthday    SubCategory = "BIRTHDAY"
	SubEtc         SubCategory = "ETC"
)

var mainCategories = []MainCategory{MainMedication, MainVaccination, MainCare}

func subCategoriesOf(m MainCategory) []SubCategory {
	switch m {
	case MainMedication:
		return []SubCategory{SubPill, SubSupplement}
	case MainVaccination:
		return []SubCategory{SubVaccination, SubCheckup}
	case MainCare:
		return []SubCategory{SubWalk, SubGrooming, SubBirthday, SubEtc}
	default:
		return nil
	}
}

func ParseMainCategory(s string) (MainCategory, error) {
	m := MainCategory(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown main category %q", s)
	}
	return m, nil
}

func (m MainCategory) Valid() bool {
	return subCategoriesOf(m) != nil
}

// SubCategories returns the sub-categories allowed under m.
func (m MainCategory) SubCategories() []SubCategory {
	return subCategoriesOf(m)
}

func (m MainCategory) Allows(s SubCategory) bool {
	for _, allowed := range subCategoriesOf(m) {
		if allowed == s {
			return true
		}
	}
	return false
}

// RequiresBoundedWindow reports whether rules of this category must carry a validUntil.
func (m MainCategory) RequiresBoundedWindow() bool {
	return m != MainCare
}

// Main returns the main category owning s, or "" if s is unknown.
func (s SubCategory) Main() MainCategory {
	for _, m := range mainCategories {
		if m.Allows(s) {
			return m
		}
	}
	return ""
}

// CategoryInfo describes one main category and its sub-categories.
type CategoryInfo struct {
	Main          MainCategory  `json:"main"`
	SubCategories []SubCategory `json:"sub_categories"`
	Bounded       bool          `json:"requires_valid_until"`
}

func Categories() []CategoryInfo {
	out := make([]CategoryInfo, 0, len(mainCategories))
	for _, m := range mainCategories {
		out = append(out, CategoryInfo{
			Main:          m,
			SubCategories: m.SubCategories(),
			Bounded:       m.RequiresBoundedWindow(),
		})
	}
	return out
}
