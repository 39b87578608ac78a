// Copyright 2025 Kadir Pekel
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

package flows

import "strings"

// clusterMeta is one procedure's classification: the department and
// topic its chapter reports under, and the file-safe key that
// identifies the cluster.
type clusterMeta struct {
	dept    string
	topic   string
	safeKey string
}

// procedurePrefixTable maps procedure-ID prefixes to their cluster
// classification. Checked in order; first match wins.
var procedurePrefixTable = []struct {
	prefix string
	meta   clusterMeta
}{
	{"PR-AV", clusterMeta{"Preventieve Gezinsondersteuning (PGJO)", "Aanbodsvormen", "PGJO_Aanbodsvormen"}},
	{"PR-CA", clusterMeta{"Preventieve Gezinsondersteuning (PGJO)", "Consultatiebureauarts", "PGJO_CB_Arts"}},
	{"PR-CB", clusterMeta{"Preventieve Gezinsondersteuning (PGJO)", "Consultatiebureau", "PGJO_CB_Algemeen"}},
	{"PR-HK", clusterMeta{"Preventieve Gezinsondersteuning (PGJO)", "Huizen van het Kind", "PGJO_Huizen_vh_Kind"}},
	{"PR-OH", clusterMeta{"Preventieve Gezinsondersteuning (PGJO)", "OverKop", "PGJO_OverKop"}},
	{"PR-VE", clusterMeta{"Opvang Baby's en Peuters", "Vergunnen", "Kinderopvang_Vergunnen"}},
	{"PR-HA", clusterMeta{"Opvang Baby's en Peuters", "Handhaving", "Kinderopvang_Handhaving"}},
	{"PR-SU", clusterMeta{"Opvang Baby's en Peuters", "Subsidiëren", "Kinderopvang_Subsidies"}},
	{"PR-OV", clusterMeta{"Opvang Baby's en Peuters", "Overkoepelend", "Kinderopvang_Overkoepelend"}},
	{"PR-JH", clusterMeta{"Jeugdhulp", "Algemeen", "Jeugdhulp_Algemeen"}},
	{"PR-LL", clusterMeta{"Lokale Loketten", "Algemeen", "Lokale_Loketten"}},
}

// fallbackMeta is the bucket for procedures no prefix or record
// classification covers.
var fallbackMeta = clusterMeta{"Overige Procedures", "Algemeen", "Overige_Procedures"}

// clusterMetaFor derives a procedure's cluster classification: the ID
// prefix table first, then the record's own department/topic columns,
// then the deterministic "Overige Procedures" bucket so a malformed or
// unknown ID never produces an empty cluster key.
func clusterMetaFor(p ProcedureRecord) clusterMeta {
	id := strings.ToUpper(strings.TrimSpace(p.ID))
	for _, entry := range procedurePrefixTable {
		if strings.HasPrefix(id, entry.prefix) {
			return entry.meta
		}
	}

	if p.Department != "" || p.Topic != "" {
		dept := p.Department
		if dept == "" {
			dept = fallbackMeta.dept
		}
		topic := p.Topic
		if topic == "" {
			topic = "Algemeen"
		}
		return clusterMeta{dept: dept, topic: topic, safeKey: slugify(dept + "-" + topic)}
	}

	return fallbackMeta
}
