package editor

// Language is the syntax-highlighting language tag replicated with the
// document.
type Language string

// Languages offered by the editor UI.
const (
	LanguageJavaScript Language = "javascript"
	LanguageJava       Language = "java"
	LanguagePython     Language = "python"
	LanguageSQL        Language = "sql"
)

// ParseLanguage maps a stored tag to a Language; unknown or empty tags fall
// back to javascript, the editor's default.
func ParseLanguage(s string) Language {
	switch Language(s) {
	case LanguageJavaScript, LanguageJava, LanguagePython, LanguageSQL:
		return Language(s)
	default:
		return LanguageJavaScript
	}
}

// Document is the shared playground document of a room.
type Document struct {
	Code     string
	Language Language
}

// PlaygroundPath is the store path of a room's document record.
func PlaygroundPath(roomID string) string {
	return "rooms/" + roomID + "/playground"
}

// CodePath is the store path of the document text.
func CodePath(roomID string) string {
	return PlaygroundPath(roomID) + "/code"
}

// LanguagePath is the store path of the document language tag.
func LanguagePath(roomID string) string {
	return PlaygroundPath(roomID) + "/language"
}
