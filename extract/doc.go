// Package extract turns document sources into plain text for ingestion.
//
// Local handles plain-text family files, HTML and http(s) URLs. Binary office
// formats are not decoded; they fail with core.ErrExtraction so the task that
// submitted them is marked failed.
package extract
