// Package textfilter removes stop words and masks sensitive words in chunk text.
//
// Word lists come from a YAML dictionary. Matching is case-insensitive; words
// with CJK characters match wherever they are not glued to ASCII letters or
// digits, other words match on word boundaries.
package textfilter
