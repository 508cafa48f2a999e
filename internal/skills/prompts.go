package skills

import (
	"fmt"
	"strings"
)

func extractionPrompt(summary string, maxSkills int) string {
	return fmt.Sprintf(`You are assessing a software developer from their GitHub activity.

Activity summary:
%s

Identify at most %d technical skills the activity demonstrates. Answer with a
JSON array only. Each element must have these fields:
  "name"       the skill, e.g. "Go" or "CI/CD"
  "category"   one of "language", "framework", "tool", "practice", "domain"
  "level"      one of "beginner", "intermediate", "advanced", "expert"
  "confidence" a number between 0 and 1
  "evidence"   a list of short observations from the summary
  "trend"      one of "rising", "stable", "declining"

Never mention repository names that the summary has hidden.`, summary, maxSkills)
}

func localizationPrompt(sk Skill) string {
	return fmt.Sprintf(`次のスキル評価を、日本語で2文以内の自然な説明文にしてください。説明文だけを出力してください。

スキル: %s
カテゴリ: %s
習熟度: %s
傾向: %s
根拠: %s`, sk.Name, sk.Category, sk.Level, sk.Trend, strings.Join(sk.Evidence, " / "))
}

func profilePrompt(summary string, skills []Skill) string {
	var b strings.Builder
	for _, sk := range skills {
		fmt.Fprintf(&b, "- %s (%s, %s)\n", sk.Name, sk.Level, sk.Trend)
	}
	if b.Len() == 0 {
		b.WriteString("(no skills extracted)\n")
	}

	return fmt.Sprintf(`以下の活動サマリーとスキル一覧をもとに、開発者のプロフィールを日本語で作成してください。
次の3つのキーを持つJSONオブジェクトだけを出力してください: "summary", "strengths", "growthAreas"。

活動サマリー:
%s

スキル:
%s`, summary, b.String())
}
