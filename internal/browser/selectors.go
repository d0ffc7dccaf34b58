package browser

// Selectors groups every locator the pipeline issues.
type Selectors struct {
	// Source collection page.
	ItemLinks Locator `yaml:"item_links"`
	PageBody  Locator `yaml:"page_body"`

	// Item page.
	SavedMarker []Locator `yaml:"saved_marker"`
	SaveButtons []Locator `yaml:"save_buttons"`
	Buttons     Locator   `yaml:"buttons"`

	// Destination picker.
	Picker           Locator   `yaml:"picker"`
	SeeAll           []Locator `yaml:"see_all"`
	PickerCandidates Locator   `yaml:"picker_candidates"`
	TextNodes        Locator   `yaml:"text_nodes"`
}

// DefaultSelectors returns locators tuned for the platform's current markup,
// covering English and Turkish labels.
func DefaultSelectors() Selectors {
	return Selectors{
		ItemLinks: XPath("//a[contains(@href, '/pin/')]"),
		PageBody:  CSS("body"),

		SavedMarker: []Locator{
			XPath("//button[contains(., 'Saved') or contains(., 'Kaydedildi')]"),
			XPath("//div[@role='button' and (contains(., 'Saved') or contains(., 'Kaydedildi'))]"),
		},
		SaveButtons: []Locator{
			XPath("//button[contains(@aria-label, 'Save') or contains(@aria-label, 'Kaydet')]"),
			XPath("//button[contains(., 'Save') or contains(., 'Kaydet')]"),
			CSS("[data-test-id='save-button']"),
		},
		Buttons: CSS("button"),

		Picker: XPath("//div[@role='dialog']"),
		SeeAll: []Locator{
			XPath("//button[contains(text(), 'All') or contains(text(), 'See')]"),
			XPath("//div[contains(@role, 'button') and contains(text(), 'All')]"),
		},
		PickerCandidates: XPath("//div[@role='dialog']//*[@data-test-id='board-row-title' or @data-test-id='boardWithoutSection']"),
		TextNodes:        XPath("//*[text()]"),
	}
}

// Merge returns s with every zero field filled from defaults.
func (s Selectors) Merge(defaults Selectors) Selectors {
	pick := func(v, d Locator) Locator {
		if v.Query == "" {
			return d
		}
		if v.By == "" {
			v.By = ByXPath
		}
		return v
	}
	pickAll := func(v, d []Locator) []Locator {
		if len(v) == 0 {
			return d
		}
		out := make([]Locator, len(v))
		for i, l := range v {
			out[i] = pick(l, l)
		}
		return out
	}

	return Selectors{
		ItemLinks:        pick(s.ItemLinks, defaults.ItemLinks),
		PageBody:         pick(s.PageBody, defaults.PageBody),
		SavedMarker:      pickAll(s.SavedMarker, defaults.SavedMarker),
		SaveButtons:      pickAll(s.SaveButtons, defaults.SaveButtons),
		Buttons:          pick(s.Buttons, defaults.Buttons),
		Picker:           pick(s.Picker, defaults.Picker),
		SeeAll:           pickAll(s.SeeAll, defaults.SeeAll),
		PickerCandidates: pick(s.PickerCandidates, defaults.PickerCandidates),
		TextNodes:        pick(s.TextNodes, defaults.TextNodes),
	}
}
