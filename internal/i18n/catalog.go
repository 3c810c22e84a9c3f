package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// German translations for the CLI. English strings are the message keys.
var german = map[string]string{
	"Blocked %s\n":                   "%s blockiert\n",
	"Allowed %s\n":                   "%s erlaubt\n",
	"Removed rule for %s\n":          "Regel für %s entfernt\n",
	"No applications known.\n":       "Keine Anwendungen bekannt.\n",
	"No active connections.\n":       "Keine aktiven Verbindungen.\n",
	"No journal events.\n":           "Keine Journaleinträge.\n",
	"Wrote default configuration to %s\n": "Standardkonfiguration nach %s geschrieben\n",
	"Enforcement: %d applied, %d revoked, %d failed\n": "Durchsetzung: %d angewendet, %d entfernt, %d fehlgeschlagen\n",
	"  failed %s %s: %v\n":           "  %s %s fehlgeschlagen: %v\n",
	"Drift corrected: %d\n":          "Abweichungen korrigiert: %d\n",
	"state: %s\n":                    "Zustand: %s\n",
}

func init() {
	for key, msg := range german {
		_ = message.SetString(language.German, key, msg)
	}
}
