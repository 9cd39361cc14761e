package rpc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luma/tether/rpc"
)

var _ = DescribeTable("SerializerByName",
	func(name, expected string) {
		s, err := rpc.SerializerByName(name)
		Expect(err).To(Succeed())
		Expect(s.Name()).To(Equal(expected))

		data, err := s.Marshal(&ping{N: 3})
		Expect(err).To(Succeed())

		var p ping
		Expect(s.Unmarshal(data, &p)).To(Succeed())
		Expect(p.N).To(Equal(3))
	},
	Entry("default", "", "msgpack"),
	Entry("msgpack", "msgpack", "msgpack"),
	Entry("json", "json", "json"),
)

var _ = It("rejects unknown serializers", func() {
	_, err := rpc.SerializerByName("xml")
	Expect(err).To(MatchError(ContainSubstring("xml")))
})

var _ = It("registers its metrics once", func() {
	Expect(rpc.RegisterMetrics).NotTo(Panic())
	Expect(rpc.RegisterMetrics).NotTo(Panic())

	families, err := prometheus.DefaultGatherer.Gather()
	Expect(err).To(Succeed())

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	Expect(names).To(ContainElement("tether_rpc_connections"))
})
