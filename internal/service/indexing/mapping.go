package indexing

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/char/asciifolding"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/whitespace"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/pkg/errors"
)

const (
	analyzerFolding = "folding"
	analyzerPrefix  = "name_prefix"
	analyzerTokens  = "tokens"

	// AnalyzerKeyword marks an adapter field stored verbatim.
	AnalyzerKeyword = keyword.Name
)

// Index field names every document carries.
const (
	FieldObjectType = "object_type"
	FieldObjectKey  = "object_key"
	FieldID         = "id"
	FieldAllowed    = "allowed_roles_and_users"
	FieldName       = "name"
	FieldNamePrefix = "name_prefix"
)

// buildMapping assembles the shared schema: accent-folded full text by
// default, an edge-ngram analyzer for name prefix matching, verbatim
// keywords for the identity fields, and whitespace-split tokens for the
// access control field.
func buildMapping(adapters []Adapter) (mapping.IndexMapping, error) {
	m := bleve.NewIndexMapping()

	err := m.AddCustomAnalyzer(analyzerFolding, map[string]interface{}{
		"type":          custom.Name,
		"char_filters":  []string{asciifolding.Name},
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, errors.Wrap(err, "register folding analyzer")
	}

	err = m.AddCustomTokenFilter("prefix_ngram", map[string]interface{}{
		"type": edgengram.Name,
		"min":  2.0,
		"max":  20.0,
	})
	if err != nil {
		return nil, errors.Wrap(err, "register prefix token filter")
	}
	err = m.AddCustomAnalyzer(analyzerPrefix, map[string]interface{}{
		"type":          custom.Name,
		"char_filters":  []string{asciifolding.Name},
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name, "prefix_ngram"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "register prefix analyzer")
	}

	err = m.AddCustomAnalyzer(analyzerTokens, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     whitespace.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, errors.Wrap(err, "register tokens analyzer")
	}

	m.DefaultAnalyzer = analyzerFolding

	doc := bleve.NewDocumentMapping()

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	doc.AddFieldMappingsAt(FieldObjectType, keywordField)
	doc.AddFieldMappingsAt(FieldObjectKey, keywordField)

	idField := bleve.NewNumericFieldMapping()
	doc.AddFieldMappingsAt(FieldID, idField)

	allowedField := bleve.NewTextFieldMapping()
	allowedField.Analyzer = analyzerTokens
	doc.AddFieldMappingsAt(FieldAllowed, allowedField)

	prefixField := bleve.NewTextFieldMapping()
	prefixField.Analyzer = analyzerPrefix
	doc.AddFieldMappingsAt(FieldNamePrefix, prefixField)

	// Adapter-declared fields default to analyzed full text.
	for _, adapter := range adapters {
		for _, field := range adapter.Fields {
			switch field.Analyzer {
			case "", analyzerFolding:
				doc.AddFieldMappingsAt(field.Name, bleve.NewTextFieldMapping())
			case AnalyzerKeyword:
				doc.AddFieldMappingsAt(field.Name, keywordField)
			case analyzerPrefix:
				doc.AddFieldMappingsAt(field.Name, prefixField)
			}
		}
	}

	m.DefaultMapping = doc
	return m, nil
}
