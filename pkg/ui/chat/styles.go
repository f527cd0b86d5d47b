package chat

import "github.com/charmbracelet/lipgloss"

// The retro terminal palette: ember chrome, amber user cards, teal
// assistant cards, slate tool activity, blood-red errors.
const (
	colorEmber     = lipgloss.Color("166")
	colorAmber     = lipgloss.Color("214")
	colorTeal      = lipgloss.Color("80")
	colorSlate     = lipgloss.Color("109")
	colorBlood     = lipgloss.Color("203")
	colorInk       = lipgloss.Color("16")
	colorPaper     = lipgloss.Color("230")
	colorFaint     = lipgloss.Color("244")
	colorPanel     = lipgloss.Color("234")
	colorPanelDark = lipgloss.Color("233")
	colorField     = lipgloss.Color("236")
)

// theme groups the styles for each chat view region.
type theme struct {
	header         lipgloss.Style
	headerMeta     lipgloss.Style
	divider        lipgloss.Style
	bootLine       lipgloss.Style
	bootDone       lipgloss.Style
	userBox        lipgloss.Style
	userTitle      lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	toolBox        lipgloss.Style
	toolTitle      lipgloss.Style
	errorBox       lipgloss.Style
	errorTitle     lipgloss.Style
	status         lipgloss.Style
	statusBusy     lipgloss.Style
	statusErr      lipgloss.Style
	hint           lipgloss.Style
	inputLabel     lipgloss.Style
	input          lipgloss.Style
	viewport       lipgloss.Style
}

// cardBox builds the bordered body shared by all conversation cards.
func cardBox(border lipgloss.Border, accent, background lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(border).
		BorderForeground(accent).
		Background(background).
		Padding(0, 1)
}

// cardTitle builds the inverse title tab that sits above a card.
func cardTitle(accent, text lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(text).
		Background(accent).
		Padding(0, 1)
}

func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(colorPaper).
			Background(colorEmber),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(colorEmber),
		bootLine: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		bootDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		userBox:        cardBox(lipgloss.DoubleBorder(), colorAmber, lipgloss.Color("235")),
		userTitle:      cardTitle(colorAmber, colorInk),
		assistantBox:   cardBox(lipgloss.DoubleBorder(), colorTeal, colorPanel),
		assistantTitle: cardTitle(colorTeal, colorInk),
		toolBox: cardBox(lipgloss.RoundedBorder(), colorSlate, colorField).
			Foreground(lipgloss.Color("252")),
		toolTitle: cardTitle(colorSlate, colorInk),
		errorBox: cardBox(lipgloss.DoubleBorder(), colorBlood, lipgloss.Color("52")).
			Foreground(colorBlood),
		errorTitle: cardTitle(lipgloss.Color("160"), lipgloss.Color("231")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(colorBlood).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(colorFaint),
		inputLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		input: cardBox(lipgloss.RoundedBorder(), lipgloss.Color("173"), colorField),
		viewport: cardBox(lipgloss.ThickBorder(), colorEmber, colorPanelDark),
	}
}
