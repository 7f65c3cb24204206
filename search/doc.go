// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search answers free-text queries against a knowledge base.
//
// The Searcher embeds the query, ranks the tenant's chunks by cosine
// similarity and loads the matching chunk text. Chunks that contain every
// non-stop word of the query receive a fixed verbatim boost, so literal
// matches outrank merely related passages of similar similarity.
//
// A SearchMonitor can observe each stage, which the command line tool uses
// to print an explanation of the ranking.
package search
