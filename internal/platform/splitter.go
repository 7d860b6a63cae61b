package platform

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	// 句子 = 非终结符序列 + 可选的终结标点串
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// Split 把长文本切成不超过 limit 的有序分片（线程切分）
// 优先按段落边界切，段落超限退化到句子边界，再退化到词，
// 单词本身超限时按 rune 硬切。纯函数，无任何副作用。
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" || limit <= 0 {
		return nil
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	cur := ""
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}

	for _, para := range paragraphRe.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if utf8.RuneCountInString(para) > limit {
			// 段落装不下，按句子切，不与相邻段落合并
			flush()
			chunks = append(chunks, splitSentences(para, limit)...)
			continue
		}
		joined := para
		if cur != "" {
			joined = cur + "\n\n" + para
		}
		if utf8.RuneCountInString(joined) <= limit {
			cur = joined
		} else {
			flush()
			cur = para
		}
	}
	flush()
	return chunks
}

func splitSentences(para string, limit int) []string {
	var chunks []string
	cur := ""
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}
	for _, sent := range sentenceRe.FindAllString(para, -1) {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		if utf8.RuneCountInString(sent) > limit {
			flush()
			chunks = append(chunks, splitWords(sent, limit)...)
			continue
		}
		joined := sent
		if cur != "" {
			joined = cur + " " + sent
		}
		if utf8.RuneCountInString(joined) <= limit {
			cur = joined
		} else {
			flush()
			cur = sent
		}
	}
	flush()
	return chunks
}

func splitWords(sent string, limit int) []string {
	var chunks []string
	cur := ""
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}
	for _, word := range strings.Fields(sent) {
		if utf8.RuneCountInString(word) > limit {
			// 超长单词（如 URL）只能按 rune 硬切
			flush()
			runes := []rune(word)
			for len(runes) > 0 {
				n := limit
				if n > len(runes) {
					n = len(runes)
				}
				chunks = append(chunks, string(runes[:n]))
				runes = runes[n:]
			}
			continue
		}
		joined := word
		if cur != "" {
			joined = cur + " " + word
		}
		if utf8.RuneCountInString(joined) <= limit {
			cur = joined
		} else {
			flush()
			cur = word
		}
	}
	flush()
	return chunks
}
