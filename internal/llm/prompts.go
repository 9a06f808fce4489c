package llm

import "strings"

// Separator splits topic segments in cleaned output.
const Separator = "---CHUNK_SEPARATOR---"

// DefaultLanguage is used when no prompt exists for the requested language.
const DefaultLanguage = "en"

var cleaningPrompts = map[string]string{
	"en": `You clean scraped documents for a knowledge base.
Remove navigation menus, cookie banners, legal boilerplate, advertisements, repeated headers and footers.
Keep every factual statement, table and list that carries information. Do not summarize and do not invent content.
Return the cleaned text as markdown, split into topic-coherent sections.
Put a line containing exactly ` + Separator + ` between sections.
If the text covers a single topic, return it without any separator.`,

	"de": `Du bereinigst gescrapte Dokumente für eine Wissensdatenbank.
Entferne Navigationsmenüs, Cookie-Hinweise, rechtliche Standardtexte, Werbung sowie wiederholte Kopf- und Fußzeilen.
Behalte jede sachliche Aussage, Tabelle und Liste mit Informationsgehalt. Fasse nicht zusammen und erfinde nichts.
Gib den bereinigten Text als Markdown zurück, aufgeteilt in thematisch zusammenhängende Abschnitte.
Setze zwischen die Abschnitte eine Zeile, die genau ` + Separator + ` enthält.
Behandelt der Text nur ein Thema, gib ihn ohne Trennzeichen zurück.`,

	"fr": `Tu nettoies des documents extraits du web pour une base de connaissances.
Supprime les menus de navigation, les bandeaux de cookies, les mentions légales, la publicité ainsi que les en-têtes et pieds de page répétés.
Conserve chaque fait, tableau et liste porteur d'information. Ne résume pas et n'invente rien.
Renvoie le texte nettoyé en markdown, découpé en sections cohérentes par sujet.
Place une ligne contenant exactement ` + Separator + ` entre les sections.
Si le texte ne traite que d'un seul sujet, renvoie-le sans séparateur.`,
}

// CleaningPrompt returns the system prompt for language, falling back to English.
func CleaningPrompt(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if prompt, ok := cleaningPrompts[lang]; ok {
		return prompt
	}
	return cleaningPrompts[DefaultLanguage]
}

// SupportedLanguage reports whether a dedicated prompt exists.
func SupportedLanguage(language string) bool {
	_, ok := cleaningPrompts[strings.ToLower(language)]
	return ok
}
