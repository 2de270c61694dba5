package main

import "github.com/charmbracelet/lipgloss"

// Colors
var (
	primaryColor   = lipgloss.Color("39")  // Blue
	secondaryColor = lipgloss.Color("245") // Gray
	errorColor     = lipgloss.Color("196") // Red
	warningColor   = lipgloss.Color("214") // Orange
)

// Styles
var (
	promptStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(secondaryColor)

	sqlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")) // Light yellow

	analysisStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // Cyan

	clarifyStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	faultStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229"))
)
